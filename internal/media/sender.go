package media

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	log "github.com/sirupsen/logrus"
)

// Sender pushes the local stream to the outbound peer connection tracks.
// A disabled video track is sent as black frames and a disabled audio track
// as silence, so mute is visible to the remote side only through the media.
type Sender struct {
	stream  *Stream
	video   *webrtc.TrackLocalStaticRTP
	audio   *webrtc.TrackLocalStaticSample
	pkt     rtp.Packetizer
	tap     *PCMBuffer
	quality int

	black     []byte
	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewSender(stream *Stream, mtu int, quality int) (*Sender, error) {
	video, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: MimeTypeJPEG, ClockRate: VideoClockRate},
		"video", stream.ID,
	)
	if err != nil {
		return nil, err
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: AudioSampleRate},
		"audio", stream.ID,
	)
	if err != nil {
		return nil, err
	}

	if mtu <= 0 {
		mtu = 1200
	}

	c := stream.Constraints
	black, err := EncodeJPEG(image.NewRGBA(image.Rect(0, 0, c.Width, c.Height)), quality)
	if err != nil {
		return nil, err
	}

	return &Sender{
		stream:  stream,
		video:   video,
		audio:   audio,
		pkt:     rtp.NewPacketizer(uint16(mtu), JPEGPayloadType, 0, &JPEGPayloader{}, rtp.NewRandomSequencer(), VideoClockRate),
		quality: quality,
		black:   black,
	}, nil
}

func (s *Sender) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.audio, s.video}
}

func (s *Sender) Start() {
	s.startOnce.Do(func() {
		var ctx context.Context
		ctx, s.cancel = context.WithCancel(context.Background())
		s.tap = s.stream.AudioTap()

		s.wg.Add(2)
		go s.sendVideo(ctx)
		go s.sendAudio(ctx)
	})
}

func (s *Sender) Close() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.stream.ReleaseTap(s.tap)
}

func (s *Sender) sendVideo(ctx context.Context) {
	defer s.wg.Done()

	fps := s.stream.Constraints.FrameRate
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	samples := uint32(VideoClockRate / fps)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stream.Done():
			return
		case <-ticker.C:
		}

		payload := s.black
		if frame := s.stream.Frame(); frame != nil && s.stream.Video().Enabled() {
			b, err := EncodeJPEG(frame, s.quality)
			if err != nil {
				log.WithField("stream", s.stream.ID).Warnf("jpeg encode failed: %v", err)
				continue
			}
			payload = b
		}

		for _, p := range s.pkt.Packetize(payload, samples) {
			if err := s.video.WriteRTP(p); err != nil {
				if errors.Is(err, io.ErrClosedPipe) {
					return
				}
				log.WithField("stream", s.stream.ID).Tracef("video write failed: %v", err)
			}
		}
	}
}

func (s *Sender) sendAudio(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(AudioFrameDuration)
	defer ticker.Stop()

	buf := make([]int16, AudioFrameSamples)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stream.Done():
			return
		case <-ticker.C:
		}

		s.tap.Read(buf)
		if !s.stream.Audio().Enabled() {
			clear(buf)
		}

		err := s.audio.WriteSample(pmedia.Sample{Data: EncodePCMU(buf), Duration: AudioFrameDuration})
		if err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return
			}
			log.WithField("stream", s.stream.ID).Tracef("audio write failed: %v", err)
		}
	}
}
