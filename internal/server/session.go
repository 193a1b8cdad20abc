package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bigbluebutton/bbb-consult-session/internal/appstats"
	"github.com/bigbluebutton/bbb-consult-session/internal/consent"
	"github.com/bigbluebutton/bbb-consult-session/internal/media"
	"github.com/bigbluebutton/bbb-consult-session/internal/pubsub/events"
	"github.com/bigbluebutton/bbb-consult-session/internal/types"
	"github.com/bigbluebutton/bbb-consult-session/internal/webrtc"
	"github.com/bigbluebutton/bbb-consult-session/internal/webrtc/interfaces"
	"github.com/bigbluebutton/bbb-consult-session/internal/webrtc/recorder"
	"github.com/bigbluebutton/bbb-consult-session/internal/webrtc/signal"
	"github.com/bigbluebutton/bbb-consult-session/internal/webrtc/utils"
	log "github.com/sirupsen/logrus"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrStartFailed   = errors.New("session failed to start")
	ErrUnknownTrack  = errors.New("unknown track kind")
)

const (
	mailboxSize    = 256
	subscriberSize = 16
)

type timerKind int

const (
	connectTimer timerKind = iota
	graceTimer
)

func (k timerKind) String() string {
	if k == connectTimer {
		return "connect"
	}
	return "grace"
}

type consentCommand struct {
	grant bool
	reply chan consent.Outcome
}

type toggleCommand struct {
	kind  types.TrackKind
	reply chan toggleResult
}

type toggleResult struct {
	state types.MediaTrackState
	err   error
}

type endCommand struct {
	reason types.EndReason
}

type inboundMessage struct {
	msg signal.Message
}

type linkStateEvent struct {
	state utils.ConnectionState
}

type remoteStreamEvent struct{}

type timerEvent struct {
	kind timerKind
	gen  int
}

type pipelineErrorEvent struct {
	err error
}

// Session is the controller of one participant in one consultation. All
// mutation happens on the goroutine started by run; callbacks and callers
// only post to the mailbox.
type Session struct {
	server        *Server
	appointmentID string
	role          types.Role
	log           *log.Entry

	ctx      context.Context
	cancel   context.CancelFunc
	mailbox  chan interface{}
	ready    chan struct{}
	done     chan struct{}
	doneOnce sync.Once

	// urgent holds events that are never dropped. The run loop drains it
	// ahead of the mailbox.
	urgentMu sync.Mutex
	urgent   []interface{}
	wake     chan struct{}

	// Owned by the run goroutine.
	record      *types.Session
	stream      *media.Stream
	channel     *signal.Channel
	link        interfaces.PeerLink
	pipeline    interfaces.Pipeline
	consent     *consent.Coordinator
	peer        string
	ownJoined   bool
	anchor      bool
	jointReady  bool
	started     bool
	abandoned   bool
	linkState   utils.ConnectionState
	timers      map[timerKind]*time.Timer
	timerGen    map[timerKind]int
	endedReason types.EndReason

	mu        sync.Mutex
	sessionID string
	roomID    string
	state     types.SessionState
	failure   types.FailureReason
	recording bool
	connected bool
	startedAt *time.Time
	artifact  *types.RecordingArtifact
	subs      map[chan types.StateChange]struct{}
}

func newSession(server *Server, appointmentID string, role types.Role) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		server:        server,
		appointmentID: appointmentID,
		role:          role,
		log: log.WithField("appointment", appointmentID).
			WithField("role", role),
		ctx:      ctx,
		cancel:   cancel,
		mailbox:  make(chan interface{}, mailboxSize),
		wake:     make(chan struct{}, 1),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		consent:  consent.NewCoordinator(),
		timers:   make(map[timerKind]*time.Timer),
		timerGen: make(map[timerKind]int),
		state:    types.StateInitializing,
		subs:     make(map[chan types.StateChange]struct{}),
	}
}

// post queues an event from a callback. It never blocks, so callbacks
// fired on the run goroutine itself are safe. Link state, timer, pipeline
// and bye events are always kept. Other signaling is dropped once the
// mailbox is full, as is anything for a finished session.
func (s *Session) post(ev interface{}) {
	select {
	case <-s.done:
		return
	default:
	}

	if mustDeliver(ev) {
		s.urgentMu.Lock()
		s.urgent = append(s.urgent, ev)
		s.urgentMu.Unlock()
		select {
		case s.wake <- struct{}{}:
		default:
		}
		return
	}

	select {
	case s.mailbox <- ev:
	default:
		s.log.Errorf("mailbox full, dropping %T", ev)
		appstats.OnDroppedMessage("mailbox_full")
	}
}

func mustDeliver(ev interface{}) bool {
	switch e := ev.(type) {
	case linkStateEvent, timerEvent, pipelineErrorEvent:
		return true
	case inboundMessage:
		return e.msg.Type == signal.TypeBye
	}
	return false
}

func (s *Session) nextUrgent() interface{} {
	s.urgentMu.Lock()
	defer s.urgentMu.Unlock()
	if len(s.urgent) == 0 {
		return nil
	}
	ev := s.urgent[0]
	s.urgent[0] = nil
	s.urgent = s.urgent[1:]
	return ev
}

// next waits for the following event, urgent ones first.
func (s *Session) next() interface{} {
	for {
		if ev := s.nextUrgent(); ev != nil {
			return ev
		}
		select {
		case ev := <-s.mailbox:
			return ev
		case <-s.wake:
		}
	}
}

// send queues a caller command, waiting for room in the mailbox.
func (s *Session) send(ctx context.Context, cmd interface{}) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.mailbox <- cmd:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) run(initCtx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	appstats.Sessions.Inc()
	defer appstats.Sessions.Dec()
	defer s.finish()

	if !s.safely(func() { s.initialize(initCtx) }) {
		s.fail(types.ReasonInternalError)
	}
	close(s.ready)

	for !s.terminal() {
		ev := s.next()
		if !s.safely(func() { s.dispatch(ev) }) {
			s.fail(types.ReasonInternalError)
		}
	}
}

// safely runs fn and reports false if it panicked.
func (s *Session) safely(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("recovered from panic in session controller: %v", r)
			ok = false
		}
	}()
	fn()
	return true
}

func (s *Session) finish() {
	s.doneOnce.Do(func() {
		for _, t := range s.timers {
			t.Stop()
		}
		s.cancel()

		s.mu.Lock()
		close(s.done)
		for ch := range s.subs {
			close(ch)
		}
		s.subs = nil
		s.mu.Unlock()

		s.server.remove(s)
	})
}

func (s *Session) dispatch(ev interface{}) {
	switch e := ev.(type) {
	case inboundMessage:
		s.handleMessage(e.msg)
	case linkStateEvent:
		s.handleLinkState(e.state)
	case remoteStreamEvent:
		s.log.Info("remote stream available")
	case timerEvent:
		s.handleTimer(e)
	case consentCommand:
		e.reply <- s.handleConsent(e.grant)
	case toggleCommand:
		e.reply <- s.handleToggle(e.kind)
	case endCommand:
		s.end(e.reason)
	case pipelineErrorEvent:
		s.handlePipelineError(e.err)
	default:
		s.log.Errorf("unknown command type: %T", e)
	}
}

func (s *Session) terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.IsTerminal()
}

func (s *Session) currentState() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) initialize(ctx context.Context) {
	cfg := s.server.cfg
	deps := s.server.deps

	record, err := deps.Store.CreateOrGetSession(ctx, s.appointmentID)
	if err != nil {
		s.log.Errorf("session lookup failed: %v", err)
		s.fail(types.ReasonSessionLookupError)
		return
	}
	s.record = record
	s.log = s.log.WithField("session", record.SessionID)

	s.mu.Lock()
	s.sessionID = record.SessionID
	s.roomID = record.RoomID
	s.startedAt = record.StartedAt
	s.mu.Unlock()

	stream, err := deps.Device.Open(ctx, media.Constraints{
		Width:         cfg.Media.Width,
		Height:        cfg.Media.Height,
		FrameRate:     cfg.Media.FrameRate,
		ToneFrequency: cfg.Media.ToneFrequency,
	})
	if err != nil {
		s.log.Errorf("local media unavailable: %v", err)
		s.fail(types.ReasonMediaAccessDenied)
		return
	}
	s.stream = stream

	s.channel = signal.NewChannel(deps.Relay, record.RoomID, s.role, s.log)

	opts := webrtc.Options{
		WebRTC:          cfg.WebRTC,
		ICERestartAfter: cfg.Session.ICERestartAfter,
		JPEGQuality:     cfg.Recorder.JPEGQuality,
		Log:             s.log,
		OnState: func(state utils.ConnectionState) {
			s.post(linkStateEvent{state: state})
		},
		OnRemoteStream: func(*media.RemoteStream) {
			s.post(remoteStreamEvent{})
		},
	}
	if cfg.Recorder.WriteRTPDump {
		opts.DumpDirectory, opts.DumpFileMode = s.prepareDumpDirectory()
	}

	link, err := deps.NewLink(s.ctx, s.channel, opts)
	if err != nil {
		s.log.Errorf("peer link: %v", err)
		s.fail(types.ReasonInternalError)
		return
	}
	s.link = link
	if err := link.Attach(stream); err != nil {
		s.log.Errorf("attach local stream: %v", err)
		s.fail(types.ReasonInternalError)
		return
	}

	if s.role == s.server.recordingRole() {
		s.pipeline = deps.NewPipeline(cfg.Recorder, stream, s.log)
		s.pipeline.OnError(func(err error) {
			s.post(pipelineErrorEvent{err: err})
		})
	}
	s.consent.OnBothConsented(s.onBothConsented)

	if err := s.channel.Join(ctx, func(m signal.Message) {
		s.post(inboundMessage{msg: m})
	}); err != nil {
		s.log.Errorf("signaling join failed: %v", err)
		s.fail(types.ReasonSignalingError)
		return
	}

	s.transition(types.StateWaiting, "", types.Timestamps{})
}

func (s *Session) prepareDumpDirectory() (string, os.FileMode) {
	cfg := s.server.cfg.Recorder
	fileMode, err := recorder.ParseFileMode(cfg.FileMode)
	if err != nil {
		fileMode = 0600
	}
	dirMode, err := recorder.ParseFileMode(cfg.DirFileMode)
	if err != nil {
		dirMode = 0700
	}
	dir := filepath.Join(cfg.SpoolDirectory, s.record.SessionID, fmt.Sprintf("%s-%s", s.record.RoomID, s.role))
	if err := os.MkdirAll(dir, dirMode); err != nil {
		s.log.Warnf("rtp dump disabled: %v", err)
		return "", 0
	}
	return dir, fileMode
}

func (s *Session) handleMessage(m signal.Message) {
	if s.currentState().IsTerminal() {
		return
	}

	if m.Type == signal.TypeJoin {
		s.handleJoin(m)
		return
	}

	if m.From != s.peer {
		// Another endpoint of the room, or one this controller never bound to.
		s.channel.Invalid(m, fmt.Errorf("%w: sender is not the bound peer", signal.ErrInvalidMessage))
		return
	}

	switch m.Type {
	case signal.TypeOffer, signal.TypeAnswer, signal.TypeICECandidate:
		if !s.ownJoined {
			// Persisted before this endpoint joined, so meant for an earlier one.
			s.channel.Invalid(m, fmt.Errorf("%w: stale negotiation", signal.ErrInvalidMessage))
			return
		}
		if err := s.link.HandleMessage(m); err != nil {
			s.channel.Invalid(m, err)
		}
	case signal.TypeConsent:
		var p signal.ConsentPayload
		if err := signal.DecodePayload(m, &p); err != nil {
			s.channel.Invalid(m, err)
			return
		}
		s.applyConsent(s.role.Other(), p.Granted)
	case signal.TypeBye:
		s.log.Info("remote participant hung up")
		s.end(types.EndReasonRemoteHangup)
	}
}

// handleJoin binds the remote participant. Joins arrive in relay order, so
// the side that saw its own join first is the anchor.
func (s *Session) handleJoin(m signal.Message) {
	if m.Self {
		s.ownJoined = true
		return
	}
	if m.Role == s.role || !m.Role.IsValid() {
		s.log.WithField("seq", m.Seq).Debugf("ignoring join from %s", m.From)
		return
	}
	if s.peer != "" {
		s.channel.Invalid(m, fmt.Errorf("%w: room already has a %s", signal.ErrInvalidMessage, m.Role))
		return
	}

	s.peer = m.From
	s.anchor = s.ownJoined
	s.link.SetAnchor(s.anchor)
	s.log.WithField("anchor", s.anchor).Infof("remote %s joined", m.Role)

	s.transition(types.StateConnecting, "", types.Timestamps{})
	s.startTimer(connectTimer, s.server.cfg.Session.ConnectTimeout)

	if s.anchor {
		if err := s.link.CreateOffer(s.ctx); err != nil {
			s.log.Errorf("create offer: %v", err)
		}
	}
}

func (s *Session) handleLinkState(state utils.ConnectionState) {
	s.linkState = state
	s.mu.Lock()
	s.connected = state == utils.ConnectionStateConnected
	s.mu.Unlock()

	current := s.currentState()
	if current.IsTerminal() || current == types.StateEnding {
		return
	}

	switch state {
	case utils.ConnectionStateConnected:
		s.stopTimer(connectTimer)
		s.stopTimer(graceTimer)
		if current == types.StateConnecting {
			ts := types.Timestamps{}
			s.mu.Lock()
			if s.startedAt == nil {
				s.startedAt = types.Now()
				ts.StartedAt = s.startedAt
			}
			s.mu.Unlock()
			s.transition(types.StateActive, "", ts)
		} else if current == types.StateActive {
			s.notify("reconnected")
		}
		s.maybeStartRecording()
	case utils.ConnectionStateDisconnected:
		if current == types.StateActive {
			s.notify("disconnected")
			s.startTimer(graceTimer, s.server.cfg.Session.DisconnectGracePeriod)
		}
	}
}

func (s *Session) handleTimer(e timerEvent) {
	if e.gen != s.timerGen[e.kind] {
		return
	}
	delete(s.timers, e.kind)

	switch e.kind {
	case connectTimer:
		if s.currentState() == types.StateConnecting {
			s.log.Warn("no connection within the connect timeout")
			s.fail(types.ReasonNegotiationTimeout)
		}
	case graceTimer:
		if s.linkState != utils.ConnectionStateConnected && s.currentState() == types.StateActive {
			s.log.Warn("peer did not come back within the grace period")
			s.end(types.EndReasonPeerLost)
		}
	}
}

func (s *Session) startTimer(kind timerKind, d time.Duration) {
	if d <= 0 {
		return
	}
	if _, running := s.timers[kind]; running {
		return
	}
	s.timerGen[kind]++
	gen := s.timerGen[kind]
	s.timers[kind] = time.AfterFunc(d, func() {
		s.post(timerEvent{kind: kind, gen: gen})
	})
	s.log.Debugf("%s timer started, %s", kind, d)
}

func (s *Session) stopTimer(kind timerKind) {
	if t, ok := s.timers[kind]; ok {
		t.Stop()
		delete(s.timers, kind)
		s.timerGen[kind]++
	}
}

func (s *Session) handleConsent(grant bool) consent.Outcome {
	s.mu.Lock()
	recording := s.recording
	s.mu.Unlock()
	if grant && recording {
		return consent.AlreadyGranted
	}

	outcome := s.applyConsent(s.role, grant)
	switch outcome {
	case consent.Granted, consent.BothConsented, consent.Declined:
	default:
		return outcome
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.server.cfg.Session.EndTimeout)
	defer cancel()

	if err := s.server.deps.Store.RecordConsent(ctx, s.record.SessionID, s.role, grant); err != nil {
		s.log.Errorf("persist consent: %v", err)
	}
	if err := s.channel.Send(ctx, signal.TypeConsent, signal.ConsentPayload{Granted: grant}); err != nil {
		s.log.Errorf("relay consent: %v", err)
	}
	return outcome
}

func (s *Session) applyConsent(role types.Role, grant bool) consent.Outcome {
	var outcome consent.Outcome
	if grant {
		outcome = s.consent.Grant(role)
	} else {
		outcome = s.consent.Decline(role)
	}
	appstats.OnConsentOutcome(outcome.String())
	s.log.Infof("%s consent: %s", role, outcome)
	return outcome
}

// onBothConsented runs inside the Grant that completed joint consent, on
// the controller goroutine.
func (s *Session) onBothConsented() {
	s.jointReady = true

	ctx, cancel := context.WithTimeout(s.ctx, s.server.cfg.Session.EndTimeout)
	defer cancel()
	if err := s.server.deps.Store.SetRecordingEnabled(ctx, s.record.SessionID); err != nil {
		s.log.Errorf("persist recording enabled: %v", err)
	}
	s.maybeStartRecording()
}

func (s *Session) maybeStartRecording() {
	// A recording runs once per attempt, through reconnections.
	if !s.jointReady || s.pipeline == nil || s.started || s.abandoned {
		return
	}
	if s.currentState() != types.StateActive || !s.link.Connected() {
		return
	}

	if err := s.pipeline.Start(s.link); err != nil {
		s.log.Errorf("recording start failed: %v", err)
		appstats.OnRecordingFailure("start")
		return
	}

	s.started = true
	s.mu.Lock()
	s.recording = true
	s.mu.Unlock()
	s.notify("recording")
	s.server.PublishPubSub(events.NewRecordingStarted(s.record.SessionID))
}

func (s *Session) handlePipelineError(err error) {
	if s.pipeline == nil || !s.pipeline.Running() {
		return
	}
	s.log.Errorf("recording abandoned, call continues: %v", err)
	s.pipeline.Abort()
	s.abandoned = true

	s.mu.Lock()
	s.recording = false
	s.mu.Unlock()
	s.notify("recording-abandoned")
}

func (s *Session) handleToggle(kind types.TrackKind) toggleResult {
	if s.stream == nil {
		return toggleResult{err: ErrSessionClosed}
	}
	track := s.stream.Track(kind)
	if track == nil {
		return toggleResult{err: ErrUnknownTrack}
	}
	if track.Toggle() {
		s.log.Infof("local %s unmuted", kind)
	} else {
		s.log.Infof("local %s muted", kind)
	}
	return toggleResult{state: track.State()}
}

// end tears the session down in order: negotiation, recording, devices.
// Every awaited step is bounded by the end timeout.
func (s *Session) end(reason types.EndReason) {
	current := s.currentState()
	if current.IsTerminal() || current == types.StateEnding {
		return
	}
	s.endedReason = reason
	s.transition(types.StateEnding, string(reason), types.Timestamps{})
	s.stopTimer(connectTimer)
	s.stopTimer(graceTimer)

	cfg := s.server.cfg.Session
	ctx, cancel := context.WithTimeout(context.Background(), cfg.EndTimeout)
	defer cancel()

	if reason != types.EndReasonRemoteHangup && s.peer != "" {
		if err := s.channel.Send(ctx, signal.TypeBye, signal.ByePayload{Reason: string(reason)}); err != nil {
			s.log.Warnf("bye not delivered: %v", err)
		}
	}

	var stats appstats.SessionStats
	s.collectStats(&stats)
	s.closeLink()

	var artifact *types.RecordingArtifact
	if s.pipeline != nil && s.pipeline.Running() {
		var err error
		artifact, err = s.pipeline.Stop(ctx)
		if err != nil {
			s.log.Errorf("recording abandoned at stop: %v", err)
			appstats.OnRecordingFailure("stop")
			artifact = nil
		}
		stats.Recorder = s.pipeline.Stats()
	}

	s.releaseMedia()

	if artifact != nil {
		s.deliverArtifact(artifact, &stats)
	}

	ended := types.Now()
	pctx, pcancel := context.WithTimeout(context.Background(), cfg.EndTimeout)
	defer pcancel()
	if err := s.server.deps.Store.UpdateSessionState(pctx, s.record.SessionID, types.StateCompleted,
		types.Timestamps{EndedAt: ended}, types.ReasonNone); err != nil {
		s.log.Errorf("persist completed: %v", err)
	}

	s.mu.Lock()
	s.recording = false
	s.artifact = artifact
	record := *s.record
	record.StartedAt = s.startedAt
	s.mu.Unlock()
	record.EndedAt = ended
	record.State = types.StateCompleted

	s.setState(types.StateCompleted, string(reason), types.ReasonNone)
	stats.State = types.StateCompleted
	appstats.PushSessionStats(&stats)

	// One completion per session: the recording side owns the artifact.
	if s.role == s.server.recordingRole() {
		s.server.PublishPubSub(events.NewSessionCompleted(record, s.role, reason, artifact))
	}
	s.log.Infof("session completed: %s", reason)
}

// deliverArtifact uploads the recording. When the upload fails the file is
// spooled locally; the session completes either way.
func (s *Session) deliverArtifact(artifact *types.RecordingArtifact, stats *appstats.SessionStats) {
	cfg := s.server.cfg
	name := fmt.Sprintf("%s/%s.mkv", s.record.SessionID, s.record.RoomID)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Session.UploadTimeout)
	defer cancel()

	url, err := s.server.deps.Files.Upload(ctx, name, artifact.Blob, artifact.MimeType)
	if err == nil {
		artifact.UploadedURL = url
		artifact.Blob = nil
		s.log.WithField("url", url).Infof("recording uploaded, %d bytes", artifact.ByteSize)
	} else {
		s.log.Errorf("recording upload failed: %v", err)
		appstats.OnRecordingFailure("upload")
		path, serr := recorder.SpoolArtifact(cfg.Recorder, name, artifact.Blob)
		if serr != nil {
			s.log.Errorf("recording could not be spooled, it is lost: %v", serr)
		} else {
			artifact.SpoolPath = path
			artifact.Blob = nil
			s.log.WithField("path", path).Warn("recording spooled for a later upload")
		}
	}

	if artifact.SpoolPath != "" || cfg.Recorder.WriteStatsFile {
		s.writeStats(name, artifact, stats)
	}

	mctx, mcancel := context.WithTimeout(context.Background(), cfg.Session.EndTimeout)
	defer mcancel()
	if err := s.server.deps.Store.AttachArtifactMetadata(mctx, s.record.SessionID, *artifact); err != nil {
		s.log.Errorf("persist artifact metadata: %v", err)
	}
}

func (s *Session) writeStats(name string, artifact *types.RecordingArtifact, stats *appstats.SessionStats) {
	cfg := s.server.cfg.Recorder

	path := artifact.SpoolPath
	if path == "" {
		var err error
		if path, _, err = recorder.ValidateAndPrepareFile(cfg, name); err != nil {
			s.log.Warnf("stats sidecar skipped: %v", err)
			return
		}
	}

	fileMode, err := recorder.ParseFileMode(cfg.FileMode)
	if err != nil {
		s.log.Warnf("invalid stats file mode %s, using 0600", cfg.FileMode)
		fileMode = 0600
	}

	stats.State = types.StateCompleted
	out := &appstats.StatsFileOutput{SessionStats: stats, StatsTimestamp: time.Now().Unix()}
	if _, err := appstats.NewStatsFileWriter(fileMode).WriteStats(path, out); err != nil {
		s.log.Errorf("failed to write recording stats: %v", err)
	}
}

func (s *Session) collectStats(stats *appstats.SessionStats) {
	stats.Role = s.role
	if s.record != nil {
		stats.SessionID = s.record.SessionID
		stats.RoomID = s.record.RoomID
	}
	if s.channel != nil {
		sig := s.channel.Stats()
		stats.Signaling = &sig
	}
	if s.link != nil {
		l := s.link.Stats()
		stats.Link = &l
	}
}

func (s *Session) closeLink() {
	if s.link != nil {
		if err := s.link.Close(); err != nil {
			s.log.Debugf("peer link close: %v", err)
		}
	}
}

func (s *Session) releaseMedia() {
	if s.stream != nil {
		s.stream.Stop()
	}
	if s.channel != nil {
		_ = s.channel.Close()
	}
}

// fail is terminal. An in-flight recording is discarded.
func (s *Session) fail(reason types.FailureReason) {
	if s.currentState().IsTerminal() {
		return
	}
	s.stopTimer(connectTimer)
	s.stopTimer(graceTimer)

	if s.channel != nil && s.peer != "" {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = s.channel.Send(ctx, signal.TypeBye, signal.ByePayload{Reason: string(reason)})
		cancel()
	}

	var stats appstats.SessionStats
	s.collectStats(&stats)
	s.closeLink()
	if s.pipeline != nil && s.pipeline.Running() {
		s.pipeline.Abort()
	}
	s.releaseMedia()

	if s.record != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.server.cfg.Session.EndTimeout)
		if err := s.server.deps.Store.UpdateSessionState(ctx, s.record.SessionID, types.StateFailed,
			types.Timestamps{EndedAt: types.Now()}, reason); err != nil {
			s.log.Errorf("persist failed: %v", err)
		}
		cancel()
	}

	s.mu.Lock()
	s.recording = false
	sessionID := s.sessionID
	s.mu.Unlock()

	s.setState(types.StateFailed, string(reason), reason)
	stats.State = types.StateFailed
	appstats.PushSessionStats(&stats)
	appstats.OnSessionFailed(string(reason))
	s.server.PublishPubSub(events.NewSessionFailed(sessionID, s.role, reason))
	s.log.Errorf("session failed: %s", reason)
}

// transition persists a non terminal state and publishes it.
func (s *Session) transition(state types.SessionState, reason string, ts types.Timestamps) {
	ctx, cancel := context.WithTimeout(s.ctx, s.server.cfg.Session.EndTimeout)
	defer cancel()
	if err := s.server.deps.Store.UpdateSessionState(ctx, s.record.SessionID, state, ts, types.ReasonNone); err != nil {
		s.log.Errorf("persist %s: %v", state, err)
	}
	s.setState(state, reason, types.ReasonNone)
}

func (s *Session) setState(state types.SessionState, reason string, failure types.FailureReason) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	if failure != types.ReasonNone {
		s.failure = failure
	}
	s.mu.Unlock()

	if prev != state {
		s.log.Infof("session state %s -> %s", prev, state)
		appstats.OnStateChange(string(s.role), string(state))
	}
	s.notify(reason)
}

// notify publishes the current state to subscribers. A subscriber that does
// not keep up misses updates.
func (s *Session) notify(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	change := s.stateChange(reason)
	for ch := range s.subs {
		select {
		case ch <- change:
		default:
			s.log.Warn("state subscriber is not keeping up, update dropped")
		}
	}
}

func (s *Session) stateChange(reason string) types.StateChange {
	return types.StateChange{
		SessionID: s.sessionID,
		Role:      s.role,
		State:     s.state,
		Reason:    reason,
		At:        time.Now().UTC(),
		Recording: s.recording,
		Failure:   s.failure,
	}
}

func (s *Session) subscribe() (<-chan types.StateChange, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan types.StateChange, subscriberSize)
	if s.subs == nil {
		close(ch)
		return ch, func() {}
	}
	ch <- s.stateChange("")
	s.subs[ch] = struct{}{}

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
}
