// Package frame resizes and annotates JPEG frames.
package frame

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const jpegQuality = 85

// Box is a labelled region in pixel coordinates
type Box struct {
	X1, Y1, X2, Y2 int
	Label          string
	Color          color.RGBA
}

// Size returns the dimensions of a JPEG without decoding the pixels.
func Size(data []byte) (int, int, error) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("decode jpeg header: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// Downscale shrinks a JPEG to maxWidth, keeping the aspect ratio. It returns
// the factor that maps coordinates in the result back to the original.
// Frames already narrow enough are returned untouched with factor 1.
func Downscale(data []byte, maxWidth int) ([]byte, float32, error) {
	w, h, err := Size(data)
	if err != nil {
		return nil, 0, err
	}
	if maxWidth <= 0 || w <= maxWidth {
		return data, 1, nil
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("decode jpeg: %w", err)
	}

	newH := h * maxWidth / w
	if newH < 1 {
		newH = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, newH))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	out, err := encode(dst)
	if err != nil {
		return nil, 0, err
	}
	return out, float32(w) / float32(maxWidth), nil
}

// Annotate draws boxes and their labels onto a JPEG.
func Annotate(data []byte, boxes []Box) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode jpeg: %w", err)
	}

	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	for _, b := range boxes {
		drawBox(rgba, b.X1, b.Y1, b.X2-b.X1, b.Y2-b.Y1, b.Color, 2)
		if b.Label != "" {
			drawLabel(rgba, b.X1, b.Y1-15, b.Label, b.Color)
		}
	}
	return encode(rgba)
}

func encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// drawBox draws a rectangle outline, clipped to the image
func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	bounds := img.Bounds()
	set := func(px, py int) {
		if image.Pt(px, py).In(bounds) {
			img.Set(px, py, c)
		}
	}

	for t := 0; t < thickness; t++ {
		for i := x; i < x+w; i++ {
			set(i, y+t)
			set(i, y+h-t)
		}
		for j := y; j < y+h; j++ {
			set(x+t, j)
			set(x+w-t, j)
		}
	}
}

// drawLabel draws text on a dark background
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 0 {
		y = 0
	}
	if x < 0 {
		x = 0
	}

	bg := image.Rect(x-2, y-2, x+len(label)*7+2, y+14).Intersect(img.Bounds())
	draw.Draw(img, bg, image.NewUniform(color.RGBA{0, 0, 0, 180}), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
