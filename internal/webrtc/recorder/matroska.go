package recorder

import (
	"bytes"
	"sync"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"github.com/bigbluebutton/bbb-consult-session/internal"
)

const (
	MimeTypeMatroska = "video/x-matroska"

	codecMJPEG    = "V_MJPEG"
	codecPCM      = "A_PCM/INT/LIT"
	trackVideo    = 1
	trackAudio    = 2
	timecodeScale = 1000000 // 1ms
)

type trackEntry struct {
	Name        string      `ebml:"Name,omitempty"`
	TrackNumber uint64      `ebml:"TrackNumber"`
	TrackUID    uint64      `ebml:"TrackUID"`
	CodecID     string      `ebml:"CodecID"`
	TrackType   uint64      `ebml:"TrackType"`
	Video       *webm.Video `ebml:"Video,omitempty"`
	Audio       *pcmAudio   `ebml:"Audio,omitempty"`
}

type pcmAudio struct {
	SamplingFrequency float64 `ebml:"SamplingFrequency"`
	Channels          uint64  `ebml:"Channels"`
	BitDepth          uint64  `ebml:"BitDepth"`
}

// chunkBuffer collects the muxer output and cuts it into chunks on demand,
// the way a media recorder hands out data every timeslice.
type chunkBuffer struct {
	mu     sync.Mutex
	cur    bytes.Buffer
	chunks [][]byte
	size   int64
	done   chan struct{}
	once   sync.Once
}

func newChunkBuffer() *chunkBuffer {
	return &chunkBuffer{done: make(chan struct{})}
}

func (b *chunkBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.cur.Write(p)
	b.size += int64(n)
	return n, err
}

// Close is called by the muxer once its last track is closed and every
// pending block is written.
func (b *chunkBuffer) Close() error {
	b.once.Do(func() { close(b.done) })
	return nil
}

func (b *chunkBuffer) Done() <-chan struct{} {
	return b.done
}

// Cut moves the pending bytes into a new chunk.
func (b *chunkBuffer) Cut() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur.Len() == 0 {
		return
	}
	chunk := make([]byte, b.cur.Len())
	copy(chunk, b.cur.Bytes())
	b.chunks = append(b.chunks, chunk)
	b.cur.Reset()
}

func (b *chunkBuffer) Chunks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

func (b *chunkBuffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Join concatenates every chunk into one blob.
func (b *chunkBuffer) Join() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return append(out, b.cur.Bytes()...)
}

// newMatroskaWriters opens an MJPEG video track and a 16 bit PCM audio track.
func newMatroskaWriters(out *chunkBuffer, width, height int, sampleRate int) (video, audio mkvcore.BlockWriteCloser, err error) {
	header := *webm.DefaultEBMLHeader
	header.DocType = "matroska"

	info := &webm.Info{
		TimecodeScale: timecodeScale,
		MuxingApp:     internal.AppName,
		WritingApp:    internal.AppName,
	}

	tracks := []mkvcore.TrackDescription{
		{
			TrackNumber: trackVideo,
			TrackEntry: trackEntry{
				Name:        "Composite",
				TrackNumber: trackVideo,
				TrackUID:    12345,
				CodecID:     codecMJPEG,
				TrackType:   1,
				Video: &webm.Video{
					PixelWidth:  uint64(width),
					PixelHeight: uint64(height),
				},
			},
		},
		{
			TrackNumber: trackAudio,
			TrackEntry: trackEntry{
				Name:        "Mix",
				TrackNumber: trackAudio,
				TrackUID:    54321,
				CodecID:     codecPCM,
				TrackType:   2,
				Audio: &pcmAudio{
					SamplingFrequency: float64(sampleRate),
					Channels:          1,
					BitDepth:          16,
				},
			},
		},
	}

	writers, err := mkvcore.NewSimpleBlockWriter(out, tracks,
		mkvcore.WithEBMLHeader(&header),
		mkvcore.WithSegmentInfo(info),
	)
	if err != nil {
		return nil, nil, err
	}
	return writers[0], writers[1], nil
}
