package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/bigbluebutton/bbb-consult-session/internal/appstats"
	"github.com/bigbluebutton/bbb-consult-session/internal/config"
	"github.com/bigbluebutton/bbb-consult-session/internal/media"
	"github.com/bigbluebutton/bbb-consult-session/internal/types"
	"github.com/bigbluebutton/bbb-consult-session/internal/webrtc/interfaces"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	ErrNotConnected   = errors.New("peer link is not connected")
	ErrAlreadyStarted = errors.New("recording already started")
	ErrNotStarted     = errors.New("recording not started")
	ErrAbandoned      = errors.New("recording abandoned")
	ErrEmptyArtifact  = errors.New("recording produced no data")
)

const (
	// Remote video unchanged for this long triggers a keyframe request.
	frozenKeyframeAfter = 2 * time.Second
	// Grace given to the run loop and muxer past a stop's deadline.
	lateFlushTimeout = 2 * time.Second
)

var _ interfaces.Pipeline = (*Pipeline)(nil)

type pipelineState int

const (
	stateIdle pipelineState = iota
	stateRunning
	stateStopped
)

// Pipeline composites the local and remote video, mixes both audio sources
// and muxes the result into an in-memory Matroska file cut in chunks.
type Pipeline struct {
	cfg   config.Recorder
	log   *log.Entry
	local *media.Stream

	mu      sync.Mutex
	state   pipelineState
	failure error
	onError func(error)
	cancel  context.CancelFunc
	done    chan struct{}
	stats   types.RecorderStats

	// Owned by the run loop while running.
	link         interfaces.ConnectedSource
	remote       *media.RemoteStream
	comp         *Compositor
	out          *chunkBuffer
	video, audio mkvcore.BlockWriteCloser
	tap          *media.PCMBuffer
	frames       int64
	samples      int64
	lastRemote   uint64
	frozenSince  time.Time
	lastKeyframe time.Time
}

func NewPipeline(cfg config.Recorder, local *media.Stream, entry *log.Entry) *Pipeline {
	if entry == nil {
		entry = log.NewEntry(log.StandardLogger())
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 640, 480
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 15
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = time.Second
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 75
	}
	return &Pipeline{
		cfg:   cfg,
		log:   entry,
		local: local,
	}
}

// OnError registers the callback run when encoding fails mid recording.
func (p *Pipeline) OnError(fn func(error)) {
	p.mu.Lock()
	p.onError = fn
	p.mu.Unlock()
}

func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateRunning
}

func (p *Pipeline) Start(link interfaces.ConnectedSource) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != stateIdle {
		return ErrAlreadyStarted
	}
	if link == nil || !link.Connected() || link.RemoteStream() == nil {
		return ErrNotConnected
	}

	out := newChunkBuffer()
	video, audio, err := newMatroskaWriters(out, p.cfg.Width, p.cfg.Height, media.AudioSampleRate)
	if err != nil {
		return fmt.Errorf("matroska writer: %w", err)
	}

	p.link = link
	p.remote = link.RemoteStream()
	p.comp = NewCompositor(p.cfg.Width, p.cfg.Height, p.cfg.InsetWidth, p.cfg.InsetHeight, p.cfg.InsetMargin)
	p.out = out
	p.video, p.audio = video, audio
	p.tap = p.local.AudioTap()
	p.lastRemote = p.remote.FrameCount()
	p.frozenSince = time.Now()

	now := time.Now().UnixMilli()
	p.stats = types.RecorderStats{
		Video: &types.VideoTrackStats{BaseTrackStats: types.BaseTrackStats{StartTime: now}},
		Audio: &types.AudioTrackStats{BaseTrackStats: types.BaseTrackStats{StartTime: now}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.state = stateRunning
	go p.run(ctx)

	appstats.ActiveRecordings.Inc()
	p.log.Infof("recording started, %dx%d@%d composite", p.cfg.Width, p.cfg.Height, p.cfg.FrameRate)
	return nil
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)

	videoTicker := time.NewTicker(time.Second / time.Duration(p.cfg.FrameRate))
	defer videoTicker.Stop()
	audioTicker := time.NewTicker(media.AudioFrameDuration)
	defer audioTicker.Stop()
	chunkTicker := time.NewTicker(p.cfg.ChunkDuration)
	defer chunkTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-videoTicker.C:
			if err := p.writeVideo(); err != nil {
				p.fail(err)
				return
			}
		case <-audioTicker.C:
			if err := p.writeAudio(); err != nil {
				p.fail(err)
				return
			}
		case <-chunkTicker.C:
			p.out.Cut()
		}
	}
}

func (p *Pipeline) ptsMs(units int64, rate int64) int64 {
	return units * 1000 / rate
}

func (p *Pipeline) writeVideo() error {
	remoteFrame := p.remote.Frame()
	localFrame := p.local.Frame()
	enabled := p.local.Video().Enabled()

	img := p.comp.Compose(remoteFrame, localFrame, enabled)
	data, err := media.EncodeJPEG(img, p.cfg.JPEGQuality)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	pts := p.ptsMs(p.frames, int64(p.cfg.FrameRate))
	if _, err := p.video.Write(true, pts, data); err != nil {
		return fmt.Errorf("write video block: %w", err)
	}
	p.frames++

	count := p.remote.FrameCount()
	frozen := count == p.lastRemote
	now := time.Now()
	if !frozen {
		p.lastRemote = count
		p.frozenSince = now
	} else if now.Sub(p.frozenSince) > frozenKeyframeAfter && now.Sub(p.lastKeyframe) > frozenKeyframeAfter && p.link.Connected() {
		p.lastKeyframe = now
		p.link.RequestKeyframe()
	}

	p.mu.Lock()
	v := p.stats.Video
	v.TotalSamples++
	v.WrittenSamples++
	v.EndTime = now.UnixMilli()
	if !enabled || localFrame == nil {
		v.PlaceholderFrames++
	}
	if frozen {
		v.FrozenFrames++
	}
	v.FrameSizeAcc += int64(len(data))
	v.AvgFrameSizeBytes = int(v.FrameSizeAcc / int64(v.WrittenSamples))
	if len(data) > v.MaxFrameSizeBytes {
		v.MaxFrameSizeBytes = len(data)
	}
	p.mu.Unlock()

	return nil
}

func (p *Pipeline) writeAudio() error {
	local := make([]int16, media.AudioFrameSamples)
	remote := make([]int16, media.AudioFrameSamples)
	mixed := make([]int16, media.AudioFrameSamples)

	// The local tap is always drained so muting never shifts timing.
	p.tap.Read(local)
	p.remote.ReadAudio(remote)
	enabled := p.local.Audio().Enabled()
	clipped := Mix(mixed, local, remote, enabled)

	pts := p.ptsMs(p.samples, media.AudioSampleRate)
	if _, err := p.audio.Write(true, pts, pcmBytes(mixed)); err != nil {
		return fmt.Errorf("write audio block: %w", err)
	}
	p.samples += int64(len(mixed))

	p.mu.Lock()
	a := p.stats.Audio
	a.TotalSamples++
	a.WrittenSamples++
	a.EndTime = time.Now().UnixMilli()
	if !enabled || silent(local) {
		a.SilentLocalBlocks++
	}
	if silent(remote) {
		a.SilentRemoteBlocks++
	}
	a.ClippedSamples += clipped
	p.mu.Unlock()

	return nil
}

func (p *Pipeline) fail(err error) {
	p.mu.Lock()
	if p.failure == nil {
		p.failure = err
	}
	cb := p.onError
	p.mu.Unlock()

	p.log.Errorf("recording failed: %v", err)
	appstats.OnRecordingFailure("encode")
	if cb != nil {
		cb(err)
	}
}

// halt stops the run loop and waits for it, bounded by ctx.
func (p *Pipeline) halt(ctx context.Context) error {
	p.mu.Lock()
	if p.state != stateRunning {
		p.mu.Unlock()
		return ErrNotStarted
	}
	p.state = stateStopped
	p.cancel()
	done := p.done
	p.mu.Unlock()

	appstats.ActiveRecordings.Dec()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flush closes both tracks and waits for the muxer to write everything,
// allowing lateFlushTimeout past ctx. The local audio tap is always
// released.
func (p *Pipeline) flush(ctx context.Context) error {
	defer p.local.ReleaseTap(p.tap)

	verr := p.video.Close()
	aerr := p.audio.Close()

	select {
	case <-p.out.Done():
	case <-ctx.Done():
		select {
		case <-p.out.Done():
		case <-time.After(lateFlushTimeout):
			return ctx.Err()
		}
	}
	p.out.Cut()
	return errors.Join(verr, aerr)
}

// flushLate finishes a stop whose deadline passed while the run loop was
// still busy: it waits a little longer for the loop, then flushes.
func (p *Pipeline) flushLate() {
	ctx, cancel := context.WithTimeout(context.Background(), lateFlushTimeout)
	defer cancel()

	p.mu.Lock()
	done := p.done
	p.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		p.log.Warn("run loop still busy, flushing anyway")
	}
	if err := p.flush(ctx); err != nil {
		p.log.Warnf("late flush: %v", err)
	}
}

// Stop finalises the recording and returns the artifact. At least one
// composited frame is written, so a clean stop never yields an empty file.
func (p *Pipeline) Stop(ctx context.Context) (*types.RecordingArtifact, error) {
	if err := p.halt(ctx); err != nil {
		if errors.Is(err, ErrNotStarted) {
			return nil, err
		}
		p.flushLate()
		return nil, fmt.Errorf("%w: %v", ErrAbandoned, err)
	}

	p.mu.Lock()
	failure := p.failure
	p.mu.Unlock()

	if failure == nil && p.frames == 0 {
		if err := p.writeVideo(); err != nil {
			failure = err
		}
	}
	if failure == nil && p.samples == 0 {
		if err := p.writeAudio(); err != nil {
			failure = err
		}
	}

	if err := p.flush(ctx); err != nil && failure == nil {
		failure = err
	}
	if failure != nil {
		return nil, fmt.Errorf("%w: %v", ErrAbandoned, failure)
	}

	blob := p.out.Join()
	if len(blob) == 0 {
		return nil, ErrEmptyArtifact
	}

	videoMs := p.ptsMs(p.frames, int64(p.cfg.FrameRate))
	audioMs := p.ptsMs(p.samples, media.AudioSampleRate)
	duration := videoMs
	if audioMs > duration {
		duration = audioMs
	}

	p.mu.Lock()
	p.stats.Chunks = p.out.Chunks()
	p.stats.Bytes = int64(len(blob))
	p.stats.Duration = time.Duration(duration) * time.Millisecond
	p.mu.Unlock()

	p.log.WithField("bytes", len(blob)).
		WithField("chunks", p.out.Chunks()).
		Infof("recording finalized, %dms", duration)

	return &types.RecordingArtifact{
		BlobRef:    "blob:" + uuid.NewString(),
		Blob:       blob,
		MimeType:   MimeTypeMatroska,
		ByteSize:   int64(len(blob)),
		DurationMs: duration,
	}, nil
}

// Abort stops the recording and discards its output.
func (p *Pipeline) Abort() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.halt(ctx); err != nil {
		if errors.Is(err, ErrNotStarted) {
			return
		}
		p.flushLate()
	} else if err := p.flush(ctx); err != nil {
		p.log.Warnf("flush on abort: %v", err)
	}
	p.out = newChunkBuffer()
	p.log.Info("recording aborted, output discarded")
}

func (p *Pipeline) Stats() *types.RecorderStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats
	if s.Video != nil {
		v := *s.Video
		s.Video = &v
	}
	if s.Audio != nil {
		a := *s.Audio
		s.Audio = &a
	}
	return &s
}
