package media

import (
	"context"
	"image"
	"image/color"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var colorBars = []color.RGBA{
	{255, 255, 255, 255},
	{255, 255, 0, 255},
	{0, 255, 255, 255},
	{0, 255, 0, 255},
	{255, 0, 255, 255},
	{255, 0, 0, 255},
	{0, 0, 255, 255},
	{0, 0, 0, 255},
}

// TestSource is a synthetic camera and microphone: animated color bars and a
// sine tone. It stands in for capture hardware on servers and in tests.
type TestSource struct {
	opened atomic.Int32
}

func (d *TestSource) Open(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if c.Width <= 0 || c.Height <= 0 {
		c.Width, c.Height = 320, 240
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 15
	}
	if c.ToneFrequency <= 0 {
		c.ToneFrequency = 440
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := newStream(uuid.NewString(), c, cancel)
	s.publishFrame(ColorBars(c.Width, c.Height, 0))

	d.opened.Add(1)
	go d.run(runCtx, s)

	log.WithField("stream", s.ID).
		Debugf("testsrc opened %dx%d@%d tone=%.0fHz", c.Width, c.Height, c.FrameRate, c.ToneFrequency)

	return s, nil
}

// Opened is the number of streams handed out.
func (d *TestSource) Opened() int {
	return int(d.opened.Load())
}

func (d *TestSource) run(ctx context.Context, s *Stream) {
	defer close(s.done)

	c := s.Constraints
	videoTicker := time.NewTicker(time.Second / time.Duration(c.FrameRate))
	defer videoTicker.Stop()
	audioTicker := time.NewTicker(AudioFrameDuration)
	defer audioTicker.Stop()

	var frame int
	var phase float64
	step := 2 * math.Pi * c.ToneFrequency / AudioSampleRate
	samples := make([]int16, AudioFrameSamples)

	for {
		select {
		case <-ctx.Done():
			return
		case <-videoTicker.C:
			frame++
			s.publishFrame(ColorBars(c.Width, c.Height, frame))
		case <-audioTicker.C:
			for i := range samples {
				samples[i] = int16(0.3 * math.MaxInt16 * math.Sin(phase))
				phase += step
			}
			phase = math.Mod(phase, 2*math.Pi)
			s.publishAudio(samples)
		}
	}
}

// ColorBars draws the standard bars, rotated one position every 30 frames.
func ColorBars(width, height, frame int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	barWidth := width / len(colorBars)
	if barWidth == 0 {
		barWidth = 1
	}

	for x := 0; x < width; x++ {
		i := min(x/barWidth, len(colorBars)-1)
		c := colorBars[(i+frame/30)%len(colorBars)]
		for y := 0; y < height; y++ {
			img.SetRGBA(x, y, c)
		}
	}

	return img
}
