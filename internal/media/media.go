// Package media acquires the local camera and microphone stream, exposes the
// per-track mute state, and converts media to and from the RTP wire format
// used between the two participants.
package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bigbluebutton/bbb-consult-session/internal/types"
)

const (
	MimeTypeJPEG    = "video/jpeg"
	JPEGPayloadType = 26
	VideoClockRate  = 90000

	AudioSampleRate    = 8000
	AudioFrameDuration = 20 * time.Millisecond
	AudioFrameSamples  = AudioSampleRate * int(AudioFrameDuration) / int(time.Second)
)

var (
	ErrAccessDenied      = errors.New("media access denied")
	ErrDeviceUnavailable = errors.New("media device unavailable")
)

type Constraints struct {
	Width         int
	Height        int
	FrameRate     int
	ToneFrequency float64
}

// Device opens the local capture stream.
type Device interface {
	Open(ctx context.Context, c Constraints) (*Stream, error)
}

// Source is read by the recording pipeline for both the local and the
// remote participant.
type Source interface {
	// Frame returns the latest video frame, or nil if none was seen yet.
	Frame() image.Image
	// ReadAudio fills buf with the next samples, padding with silence, and
	// returns how many samples were real.
	ReadAudio(buf []int16) int
}

func NewDevice(name string) (Device, error) {
	switch name {
	case "testsrc", "":
		return &TestSource{}, nil
	case "denied":
		return DeniedDevice{}, nil
	default:
		return nil, fmt.Errorf("unknown media device '%s'", name)
	}
}

// DeniedDevice refuses access, as a browser does when camera permission is
// not granted.
type DeniedDevice struct{}

func (DeniedDevice) Open(ctx context.Context, c Constraints) (*Stream, error) {
	return nil, ErrAccessDenied
}

type Track struct {
	kind    types.TrackKind
	id      string
	enabled atomic.Bool
}

func newTrack(kind types.TrackKind, id string) *Track {
	t := &Track{kind: kind, id: id}
	t.enabled.Store(true)
	return t
}

func (t *Track) Kind() types.TrackKind { return t.kind }
func (t *Track) ID() string            { return t.id }
func (t *Track) Enabled() bool         { return t.enabled.Load() }

func (t *Track) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// Toggle flips the track and returns the new enabled state.
func (t *Track) Toggle() bool {
	for {
		old := t.enabled.Load()
		if t.enabled.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

func (t *Track) State() types.MediaTrackState {
	return types.MediaTrackState{Kind: t.kind, Enabled: t.Enabled()}
}

// Stream is the local capture. It is owned by the session controller; peer
// link and recording pipeline only read from it.
type Stream struct {
	ID          string
	Constraints Constraints

	audio  *Track
	video  *Track
	frames *FrameHolder

	mu   sync.Mutex
	taps map[*PCMBuffer]struct{}

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func newStream(id string, c Constraints, cancel context.CancelFunc) *Stream {
	return &Stream{
		ID:          id,
		Constraints: c,
		audio:       newTrack(types.TrackKindAudio, id+"-audio"),
		video:       newTrack(types.TrackKindVideo, id+"-video"),
		frames:      NewFrameHolder(),
		taps:        make(map[*PCMBuffer]struct{}),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

func (s *Stream) Audio() *Track { return s.audio }
func (s *Stream) Video() *Track { return s.video }

func (s *Stream) Track(kind types.TrackKind) *Track {
	switch kind {
	case types.TrackKindAudio:
		return s.audio
	case types.TrackKindVideo:
		return s.video
	}
	return nil
}

// Frame returns the last captured frame, whatever the track state is.
// Consumers decide what to show for a disabled track.
func (s *Stream) Frame() image.Image {
	return s.frames.Load()
}

// AudioTap registers an independent reader of the captured audio.
func (s *Stream) AudioTap() *PCMBuffer {
	b := NewPCMBuffer(AudioSampleRate)
	s.mu.Lock()
	s.taps[b] = struct{}{}
	s.mu.Unlock()
	return b
}

func (s *Stream) ReleaseTap(b *PCMBuffer) {
	s.mu.Lock()
	delete(s.taps, b)
	s.mu.Unlock()
}

// Taps reports how many audio taps are attached.
func (s *Stream) Taps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.taps)
}

func (s *Stream) publishFrame(img image.Image) {
	s.frames.Store(img)
}

func (s *Stream) publishAudio(samples []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for b := range s.taps {
		b.Write(samples)
	}
}

// Done is closed once the capture goroutines have exited.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Stop releases the device. Only the session controller calls it.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		<-s.done
	})
}

func (s *Stream) Stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
