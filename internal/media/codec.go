package media

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"

	"github.com/pion/rtp"
	"github.com/zaf/g711"
)

// Each JPEG fragment carries a one byte header ahead of the image bytes.
const (
	jpegStartOfFrame = 0x01
	jpegEndOfFrame   = 0x02
)

var errShortPacket = errors.New("jpeg rtp payload too short")

var (
	_ rtp.Payloader    = (*JPEGPayloader)(nil)
	_ rtp.Depacketizer = (*JPEGDepacketizer)(nil)
)

// JPEGPayloader splits an encoded frame into MTU sized fragments.
type JPEGPayloader struct{}

func (p *JPEGPayloader) Payload(mtu uint16, payload []byte) [][]byte {
	if len(payload) == 0 || mtu <= 1 {
		return nil
	}

	size := int(mtu) - 1
	out := make([][]byte, 0, len(payload)/size+1)

	for off := 0; off < len(payload); off += size {
		end := min(off+size, len(payload))

		var hdr byte
		if off == 0 {
			hdr |= jpegStartOfFrame
		}
		if end == len(payload) {
			hdr |= jpegEndOfFrame
		}

		b := make([]byte, 1+end-off)
		b[0] = hdr
		copy(b[1:], payload[off:end])
		out = append(out, b)
	}

	return out
}

type JPEGDepacketizer struct{}

func (d *JPEGDepacketizer) Unmarshal(packet []byte) ([]byte, error) {
	if len(packet) < 2 {
		return nil, errShortPacket
	}
	return packet[1:], nil
}

func (d *JPEGDepacketizer) IsPartitionHead(payload []byte) bool {
	return len(payload) > 0 && payload[0]&jpegStartOfFrame != 0
}

func (d *JPEGDepacketizer) IsPartitionTail(marker bool, payload []byte) bool {
	return marker || (len(payload) > 0 && payload[0]&jpegEndOfFrame != 0)
}

func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeJPEG(b []byte) (image.Image, error) {
	return jpeg.Decode(bytes.NewReader(b))
}

// EncodePCMU compands 16-bit linear samples to G.711 mu-law.
func EncodePCMU(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = g711.EncodeUlawFrame(s)
	}
	return out
}

func DecodePCMU(payload []byte) []int16 {
	out := make([]int16, len(payload))
	for i, b := range payload {
		out[i] = g711.DecodeUlawFrame(b)
	}
	return out
}
