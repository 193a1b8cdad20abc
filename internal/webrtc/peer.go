package webrtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bigbluebutton/bbb-consult-session/internal/appstats"
	"github.com/bigbluebutton/bbb-consult-session/internal/config"
	"github.com/bigbluebutton/bbb-consult-session/internal/media"
	"github.com/bigbluebutton/bbb-consult-session/internal/webrtc/interfaces"
	"github.com/bigbluebutton/bbb-consult-session/internal/webrtc/recorder"
	"github.com/bigbluebutton/bbb-consult-session/internal/webrtc/signal"
	"github.com/bigbluebutton/bbb-consult-session/internal/webrtc/utils"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	log "github.com/sirupsen/logrus"
)

var (
	ErrClosed          = errors.New("peer link closed")
	ErrNotAttached     = errors.New("local stream not attached")
	ErrUnexpectedSDP   = errors.New("unexpected session description")
	ErrAlreadyAttached = errors.New("local stream already attached")
	ErrNotAnchor       = errors.New("only the anchor offers")
)

var _ interfaces.PeerLink = (*PeerLink)(nil)

// Signaler sends negotiation messages to the remote participant.
type Signaler interface {
	Send(ctx context.Context, typ signal.MessageType, payload interface{}) error
}

type Options struct {
	WebRTC          config.WebRTC
	ICERestartAfter time.Duration
	JPEGQuality     int
	// DumpDirectory, when set, receives one rtpdump file per inbound track.
	DumpDirectory string
	DumpFileMode  os.FileMode
	Log           *log.Entry

	OnState        func(utils.ConnectionState)
	OnRemoteStream func(*media.RemoteStream)
}

type outbound struct {
	typ     signal.MessageType
	payload interface{}
}

// PeerLink owns the peer connection to the remote participant.
//
// The anchor is the side that offers and restarts ICE. The other side only
// answers, so offers never collide. An offer reaching the anchor while its
// own is outstanding is ignored.
type PeerLink struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     Options
	log      *log.Entry
	signaler Signaler
	pc       *webrtc.PeerConnection
	remote   *media.RemoteStream

	// negMu serialises description handling.
	negMu   sync.Mutex
	anchor  bool
	pending []webrtc.ICECandidateInit

	mu           sync.Mutex
	state        utils.ConnectionState
	sender       *media.Sender
	attempt      int
	delivered    int
	hasRemote    bool
	recovering   bool
	dumpFailed   bool
	videoSSRC    uint32
	restartTimer *time.Timer
	dumps        []*recorder.RTPWriter
	stats        appstats.LinkStats

	outbox    chan outbound
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewPeerLink(ctx context.Context, signaler Signaler, opts Options) (*PeerLink, error) {
	api, err := newAPI(opts.WebRTC)
	if err != nil {
		return nil, fmt.Errorf("webrtc api: %w", err)
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: opts.WebRTC.ICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}

	if opts.Log == nil {
		opts.Log = log.NewEntry(log.StandardLogger())
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 75
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &PeerLink{
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts,
		log:      opts.Log,
		signaler: signaler,
		pc:       pc,
		remote:   media.NewRemoteStream(opts.WebRTC.JitterBuffer, opts.Log),
		state:    utils.ConnectionStateNew,
		outbox:   make(chan outbound, 256),
	}
	if opts.DumpDirectory != "" {
		p.remote.OnPacket = p.dumpPacket
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		p.enqueue(signal.TypeICECandidate, c.ToJSON())
	})
	pc.OnConnectionStateChange(p.onConnectionState)
	pc.OnTrack(p.onTrack)

	p.wg.Add(1)
	go p.drain()

	return p, nil
}

// Attach binds the local tracks to the connection and starts sending.
func (p *PeerLink) Attach(stream *media.Stream) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.IsTerminalState() {
		return ErrClosed
	}
	if p.sender != nil {
		return ErrAlreadyAttached
	}

	sender, err := media.NewSender(stream, p.opts.WebRTC.MTU, p.opts.JPEGQuality)
	if err != nil {
		return err
	}

	for _, track := range sender.Tracks() {
		rtpSender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		p.wg.Add(1)
		go p.readRTCP(rtpSender)
	}

	p.sender = sender
	sender.Start()
	return nil
}

// readRTCP drains RTCP so interceptors such as the NACK responder run.
func (p *PeerLink) readRTCP(s *webrtc.RTPSender) {
	defer p.wg.Done()
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}

func (p *PeerLink) SetAnchor(anchor bool) {
	p.negMu.Lock()
	p.anchor = anchor
	p.negMu.Unlock()
}

func (p *PeerLink) RemoteStream() *media.RemoteStream {
	return p.remote
}

func (p *PeerLink) State() utils.ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PeerLink) Connected() bool {
	return p.State() == utils.ConnectionStateConnected
}

func (p *PeerLink) Stats() appstats.LinkStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *PeerLink) attached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sender != nil
}

// CreateOffer starts a negotiation attempt from this side. It fails with
// ErrNotAnchor unless SetAnchor(true) was called.
func (p *PeerLink) CreateOffer(ctx context.Context) error {
	return p.offer(ctx, nil)
}

func (p *PeerLink) restartICE() {
	p.log.Info("peer link still disconnected, restarting ICE")
	p.mu.Lock()
	p.stats.ICERestarts++
	p.mu.Unlock()
	appstats.ICERestarts.Inc()

	if err := p.offer(p.ctx, &webrtc.OfferOptions{ICERestart: true}); err != nil && !errors.Is(err, ErrClosed) {
		p.log.Errorf("ICE restart failed: %v", err)
	}
}

func (p *PeerLink) offer(ctx context.Context, options *webrtc.OfferOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.attached() {
		return ErrNotAttached
	}

	p.negMu.Lock()
	defer p.negMu.Unlock()

	if p.closed() {
		return ErrClosed
	}
	if !p.anchor {
		return ErrNotAnchor
	}

	offer, err := p.pc.CreateOffer(options)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	p.beginAttempt()
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}

	p.enqueue(signal.TypeOffer, p.pc.LocalDescription())
	return nil
}

// HandleMessage applies an offer, answer or candidate from the remote side.
// A message that cannot be applied is reported and otherwise ignored.
func (p *PeerLink) HandleMessage(msg signal.Message) error {
	switch msg.Type {
	case signal.TypeOffer, signal.TypeAnswer:
		sd, err := signal.DecodeSessionDescription(msg)
		if err != nil {
			return err
		}
		if err := validateSDP(sd); err != nil {
			return err
		}
		if msg.Type == signal.TypeOffer {
			return p.handleOffer(sd)
		}
		return p.handleAnswer(sd)
	case signal.TypeICECandidate:
		c, err := signal.DecodeCandidate(msg)
		if err != nil {
			return err
		}
		return p.handleCandidate(c)
	default:
		return fmt.Errorf("%w: %s is not a negotiation message", signal.ErrInvalidMessage, msg.Type)
	}
}

func validateSDP(sd webrtc.SessionDescription) error {
	parsed := &sdp.SessionDescription{}
	if err := parsed.UnmarshalString(sd.SDP); err != nil {
		return fmt.Errorf("%w: malformed sdp: %v", signal.ErrInvalidMessage, err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return fmt.Errorf("%w: sdp without media", signal.ErrInvalidMessage)
	}
	return nil
}

func (p *PeerLink) handleOffer(offer webrtc.SessionDescription) error {
	if !p.attached() {
		return ErrNotAttached
	}

	p.negMu.Lock()
	defer p.negMu.Unlock()

	if p.closed() {
		return ErrClosed
	}

	if p.anchor {
		p.log.Warn("ignoring offer from the answering side")
		return nil
	}

	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("%w: set remote offer: %v", ErrUnexpectedSDP, err)
	}
	p.flushCandidates()

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	p.beginAttempt()
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}

	p.enqueue(signal.TypeAnswer, p.pc.LocalDescription())
	return nil
}

func (p *PeerLink) handleAnswer(answer webrtc.SessionDescription) error {
	p.negMu.Lock()
	defer p.negMu.Unlock()

	if p.closed() {
		return ErrClosed
	}
	if p.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("%w: answer in signaling state %s", ErrUnexpectedSDP, p.pc.SignalingState())
	}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("%w: set remote answer: %v", ErrUnexpectedSDP, err)
	}
	p.flushCandidates()
	return nil
}

func (p *PeerLink) handleCandidate(c webrtc.ICECandidateInit) error {
	p.negMu.Lock()
	defer p.negMu.Unlock()

	if p.closed() {
		return ErrClosed
	}
	if p.pc.RemoteDescription() == nil {
		p.pending = append(p.pending, c)
		return nil
	}
	if err := p.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("%w: candidate: %v", signal.ErrInvalidMessage, err)
	}
	return nil
}

// flushCandidates applies candidates that arrived ahead of the remote
// description. Must hold negMu.
func (p *PeerLink) flushCandidates() {
	for _, c := range p.pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.log.Warnf("dropping buffered candidate: %v", err)
		}
	}
	p.pending = nil
}

func (p *PeerLink) beginAttempt() {
	p.mu.Lock()
	p.attempt++
	p.stats.Negotiations++
	next := utils.ConnectionStateNegotiating
	changed := p.state.CanTransition(next) && p.state != utils.ConnectionStateConnected
	if changed {
		p.state = next
	}
	cb := p.opts.OnState
	p.mu.Unlock()

	if changed && cb != nil {
		cb(next)
	}
}

func (p *PeerLink) onConnectionState(s webrtc.PeerConnectionState) {
	next := utils.NormalizePeerConnectionState(s)
	p.log.Infof("peer connection state changed: %s", s)

	if next == utils.ConnectionStateNew || next == utils.ConnectionStateClosed {
		return
	}
	if next == utils.ConnectionStateConnected &&
		(p.pc.CurrentLocalDescription() == nil || p.pc.CurrentRemoteDescription() == nil) {
		return
	}

	anchor := p.isAnchor()

	p.mu.Lock()
	if !p.state.CanTransition(next) {
		p.mu.Unlock()
		return
	}
	p.state = next

	var deliver bool
	var pli bool
	switch next {
	case utils.ConnectionStateConnected:
		if p.restartTimer != nil {
			p.restartTimer.Stop()
			p.restartTimer = nil
		}
		p.stats.ConnectedAt = time.Now().UnixMilli()
		deliver = p.hasRemote && p.delivered != p.attempt
		if deliver {
			p.delivered = p.attempt
		}
		pli = p.recovering
		p.recovering = false
	case utils.ConnectionStateDisconnected:
		p.stats.Disconnects++
		p.recovering = true
		p.stats.DisconnectedAt = time.Now().UnixMilli()
		if anchor && p.opts.ICERestartAfter > 0 && p.restartTimer == nil {
			p.restartTimer = time.AfterFunc(p.opts.ICERestartAfter, func() {
				p.mu.Lock()
				p.restartTimer = nil
				still := p.state == utils.ConnectionStateDisconnected
				p.mu.Unlock()
				if still {
					p.restartICE()
				}
			})
		}
	}
	onState := p.opts.OnState
	onRemote := p.opts.OnRemoteStream
	p.mu.Unlock()

	if onState != nil {
		onState(next)
	}
	if deliver && onRemote != nil {
		onRemote(p.remote)
	}
	if pli {
		p.RequestKeyframe()
	}
}

func (p *PeerLink) isAnchor() bool {
	p.negMu.Lock()
	defer p.negMu.Unlock()
	return p.anchor
}

func (p *PeerLink) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	l := p.log.WithField("track", track.Kind().String())
	l.Infof("%s (%d) track started", track.Codec().MimeType, track.PayloadType())

	p.mu.Lock()
	p.hasRemote = true
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		p.videoSSRC = uint32(track.SSRC())
	}
	deliver := p.state == utils.ConnectionStateConnected && p.delivered != p.attempt
	if deliver {
		p.delivered = p.attempt
	}
	onRemote := p.opts.OnRemoteStream
	p.mu.Unlock()

	if deliver && onRemote != nil {
		onRemote(p.remote)
	}

	var err error
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		err = p.remote.ConsumeVideo(track)
	} else {
		err = p.remote.ConsumeAudio(track)
	}
	if err != nil && !p.closed() {
		l.Errorf("remote track ended: %v", err)
		return
	}
	l.Infof("%s track stopped", track.Codec().MimeType)
}

// RequestKeyframe asks the remote sender for a full picture.
func (p *PeerLink) RequestKeyframe() {
	p.mu.Lock()
	ssrc := p.videoSSRC
	p.mu.Unlock()
	if ssrc == 0 || p.closed() {
		return
	}

	if err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
		p.log.Warnf("failed to send PLI: %v", err)
		return
	}
	p.mu.Lock()
	p.stats.PLIRequests++
	p.mu.Unlock()
	appstats.PLIRequests.Inc()
}

func (p *PeerLink) dumpPacket(kind string, pkt *rtp.Packet) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.IsTerminalState() || p.dumpFailed {
		return
	}

	idx := 0
	if kind == "audio" {
		idx = 1
	}
	if p.dumps == nil {
		p.dumps = make([]*recorder.RTPWriter, 2)
	}
	if p.dumps[idx] == nil {
		path := filepath.Join(p.opts.DumpDirectory, fmt.Sprintf("%d-%s.rtpdump", time.Now().UnixNano(), kind))
		w, err := recorder.NewRTPWriter(path, p.opts.DumpFileMode, net.IPv4(127, 0, 0, 1), 0)
		if err != nil {
			p.log.Errorf("failed to create rtpdump: %v", err)
			p.dumpFailed = true
			return
		}
		p.dumps[idx] = w
	}
	if err := p.dumps[idx].WriteRTP(pkt); err != nil {
		p.log.Tracef("rtpdump write failed: %v", err)
	}
}

func (p *PeerLink) enqueue(typ signal.MessageType, payload interface{}) {
	if p.closed() {
		return
	}
	select {
	case p.outbox <- outbound{typ: typ, payload: payload}:
	default:
		p.log.Warnf("signaling outbox full, dropping %s", typ)
	}
}

// drain sends queued signaling in order until the link is closed.
func (p *PeerLink) drain() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case m := <-p.outbox:
			if p.ctx.Err() != nil {
				return
			}
			if err := p.signaler.Send(p.ctx, m.typ, m.payload); err != nil {
				p.log.Errorf("failed to send %s: %v", m.typ, err)
			}
		}
	}
}

func (p *PeerLink) closed() bool {
	return p.ctx.Err() != nil
}

// Close tears the connection down. Signaling still queued is dropped.
func (p *PeerLink) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel()

		p.mu.Lock()
		if p.restartTimer != nil {
			p.restartTimer.Stop()
			p.restartTimer = nil
		}
		sender := p.sender
		p.mu.Unlock()

		if sender != nil {
			sender.Close()
		}
		err = p.pc.Close()
		p.wg.Wait()

		p.mu.Lock()
		for _, w := range p.dumps {
			if w != nil {
				_ = w.Close()
			}
		}
		prev := p.state
		p.state = utils.ConnectionStateClosed
		cb := p.opts.OnState
		p.mu.Unlock()

		if prev != utils.ConnectionStateClosed && cb != nil {
			cb(utils.ConnectionStateClosed)
		}
	})
	return err
}
