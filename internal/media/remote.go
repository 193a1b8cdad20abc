package media

import (
	"errors"
	"image"
	"io"

	"github.com/bigbluebutton/bbb-consult-session/internal/webrtc/utils"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
	log "github.com/sirupsen/logrus"
)

// RTPReader is the part of a remote track the consumers need.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

var _ Source = (*RemoteStream)(nil)

// RemoteStream is the decoded media of the remote participant. It lives as
// long as the peer link, so tracks from a renegotiation keep feeding the same
// frame holder and audio buffer.
type RemoteStream struct {
	log          *log.Entry
	frames       *FrameHolder
	pcm          *PCMBuffer
	jitterBuffer uint16

	// OnPacket, when set, sees every inbound packet before decoding.
	OnPacket func(kind string, p *rtp.Packet)
}

func NewRemoteStream(jitterBuffer uint16, entry *log.Entry) *RemoteStream {
	if entry == nil {
		entry = log.NewEntry(log.StandardLogger())
	}
	return &RemoteStream{
		log:          entry,
		frames:       NewFrameHolder(),
		pcm:          NewPCMBuffer(AudioSampleRate),
		jitterBuffer: jitterBuffer,
	}
}

func (r *RemoteStream) Frame() image.Image {
	return r.frames.Load()
}

func (r *RemoteStream) FrameCount() uint64 {
	return r.frames.Count()
}

func (r *RemoteStream) ReadAudio(buf []int16) int {
	return r.pcm.Read(buf)
}

// ConsumeVideo reassembles JPEG frames until the track ends.
func (r *RemoteStream) ConsumeVideo(track RTPReader) error {
	sb := samplebuilder.New(128, &JPEGDepacketizer{}, VideoClockRate)

	for {
		p, _, err := track.ReadRTP()
		if err != nil {
			return readErr(err)
		}

		if r.OnPacket != nil {
			r.OnPacket("video", p)
		}

		sb.Push(p)
		for s := sb.Pop(); s != nil; s = sb.Pop() {
			img, err := DecodeJPEG(s.Data)
			if err != nil {
				r.log.Tracef("dropping undecodable remote frame: %v", err)
				continue
			}
			r.frames.Store(img)
		}
	}
}

// ConsumeAudio reorders PCMU packets and appends the decoded samples.
func (r *RemoteStream) ConsumeAudio(track RTPReader) error {
	unwrapper := utils.NewSequenceUnwrapper(16)
	jb := utils.NewJitterBuffer(r.jitterBuffer, r.log.WithField("kind", "audio"))

	for {
		p, _, err := track.ReadRTP()
		if err != nil {
			return readErr(err)
		}

		if r.OnPacket != nil {
			r.OnPacket("audio", p)
		}

		if !jb.Add(unwrapper.Unwrap(uint64(p.SequenceNumber)), p) {
			continue
		}

		pkts, _ := jb.NextPackets()
		for _, pkt := range pkts {
			r.pcm.Write(DecodePCMU(pkt.Payload))
		}
	}
}

func readErr(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
