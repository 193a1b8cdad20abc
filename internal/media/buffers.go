package media

import (
	"image"
	"sync"
)

// FrameHolder keeps the most recent decoded frame.
type FrameHolder struct {
	mu    sync.RWMutex
	img   image.Image
	count uint64
}

func NewFrameHolder() *FrameHolder {
	return &FrameHolder{}
}

func (h *FrameHolder) Store(img image.Image) {
	h.mu.Lock()
	h.img = img
	h.count++
	h.mu.Unlock()
}

func (h *FrameHolder) Load() image.Image {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.img
}

// Count is the number of frames stored so far.
func (h *FrameHolder) Count() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// PCMBuffer is a single-reader ring of mono samples. When full the oldest
// samples are overwritten.
type PCMBuffer struct {
	mu      sync.Mutex
	buf     []int16
	r, n    int
	dropped uint64
}

func NewPCMBuffer(capacity int) *PCMBuffer {
	return &PCMBuffer{buf: make([]int16, capacity)}
}

func (b *PCMBuffer) Write(samples []int16) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range samples {
		if b.n == len(b.buf) {
			b.r = (b.r + 1) % len(b.buf)
			b.n--
			b.dropped++
		}
		b.buf[(b.r+b.n)%len(b.buf)] = s
		b.n++
	}
}

// Read copies buffered samples into out and pads the rest with silence.
func (b *PCMBuffer) Read(out []int16) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := min(len(out), b.n)
	for i := 0; i < n; i++ {
		out[i] = b.buf[b.r]
		b.r = (b.r + 1) % len(b.buf)
	}
	b.n -= n

	clear(out[n:])
	return n
}

func (b *PCMBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

func (b *PCMBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
