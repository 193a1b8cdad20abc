package recorder

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

var (
	canvasBackground = color.RGBA{A: 0xff}
	placeholderFill  = color.RGBA{R: 0x2b, G: 0x2f, B: 0x36, A: 0xff}
	placeholderMark  = color.RGBA{R: 0x6c, G: 0x75, B: 0x80, A: 0xff}
)

// Compositor draws the remote picture over the whole canvas and the local
// picture as a picture-in-picture inset in the bottom right corner.
type Compositor struct {
	canvas *image.RGBA
	inset  image.Rectangle
}

func NewCompositor(width, height, insetWidth, insetHeight, margin int) *Compositor {
	if insetWidth > width {
		insetWidth = width
	}
	if insetHeight > height {
		insetHeight = height
	}
	origin := image.Pt(width-insetWidth-margin, height-insetHeight-margin)
	if origin.X < 0 {
		origin.X = 0
	}
	if origin.Y < 0 {
		origin.Y = 0
	}
	return &Compositor{
		canvas: image.NewRGBA(image.Rect(0, 0, width, height)),
		inset:  image.Rectangle{Min: origin, Max: origin.Add(image.Pt(insetWidth, insetHeight))},
	}
}

func (c *Compositor) Inset() image.Rectangle {
	return c.inset
}

// Compose renders one frame into the shared canvas and returns it. The
// canvas is reused by the next call.
func (c *Compositor) Compose(remote, local image.Image, localEnabled bool) *image.RGBA {
	Composite(c.canvas, remote, local, localEnabled, c.inset)
	return c.canvas
}

// Composite draws remote scaled to dst and local scaled into inset. A
// missing remote frame leaves a black background. When the local video is
// disabled or missing the inset shows the placeholder instead.
func Composite(dst *image.RGBA, remote, local image.Image, localEnabled bool, inset image.Rectangle) {
	bounds := dst.Bounds()
	if remote != nil {
		draw.ApproxBiLinear.Scale(dst, bounds, remote, remote.Bounds(), draw.Src, nil)
	} else {
		draw.Draw(dst, bounds, image.NewUniform(canvasBackground), image.Point{}, draw.Src)
	}

	if inset.Empty() {
		return
	}
	if localEnabled && local != nil {
		draw.ApproxBiLinear.Scale(dst, inset, local, local.Bounds(), draw.Src, nil)
		return
	}
	drawPlaceholder(dst, inset)
}

// drawPlaceholder paints a flat tile with a round avatar mark.
func drawPlaceholder(dst *image.RGBA, r image.Rectangle) {
	draw.Draw(dst, r, image.NewUniform(placeholderFill), image.Point{}, draw.Src)

	cx, cy := (r.Min.X+r.Max.X)/2, (r.Min.Y+r.Max.Y)/2
	radius := r.Dx()
	if r.Dy() < radius {
		radius = r.Dy()
	}
	radius /= 4
	for y := cy - radius; y <= cy+radius; y++ {
		for x := cx - radius; x <= cx+radius; x++ {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy <= radius*radius {
				dst.SetRGBA(x, y, placeholderMark)
			}
		}
	}
}
