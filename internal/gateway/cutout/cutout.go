// Package cutout removes flat backgrounds in-process by flood filling from the
// image corners with the colour found there.
package cutout

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"

	"stampline/internal/domain"
	"stampline/internal/gateway"
)

// Stripper makes pixels within Tolerance of the corner colour transparent when
// they connect to an image edge through such pixels. Enclosed regions of the
// same colour, like the white of an eye, stay opaque.
type Stripper struct {
	// Tolerance is the max per-channel distance (0-255) still treated as background.
	Tolerance uint8
}

var _ gateway.BackgroundStripGateway = Stripper{}

func (s Stripper) Strip(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", domain.ErrProcessing, err)
	}
	b := src.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("%w: empty image", domain.ErrProcessing)
	}
	dst := image.NewNRGBA(b)
	draw.Draw(dst, b, src, b.Min, draw.Src)

	key, ok := cornerColor(dst)
	if !ok {
		// Corners disagree or are already transparent; nothing to key on.
		return encode(dst)
	}
	clearConnected(dst, key, int(s.Tolerance))
	return encode(dst)
}

// clearConnected runs a 4-neighbour flood fill seeded from every edge pixel
// matching key.
func clearConnected(img *image.NRGBA, key color.NRGBA, tol int) {
	b := img.Bounds()
	w := b.Dx()
	seen := make([]bool, w*b.Dy())
	var stack []image.Point
	push := func(x, y int) {
		if x < b.Min.X || y < b.Min.Y || x >= b.Max.X || y >= b.Max.Y {
			return
		}
		i := (y-b.Min.Y)*w + (x - b.Min.X)
		if seen[i] {
			return
		}
		seen[i] = true
		if near(img.NRGBAAt(x, y), key, tol) {
			stack = append(stack, image.Pt(x, y))
		}
	}
	for x := b.Min.X; x < b.Max.X; x++ {
		push(x, b.Min.Y)
		push(x, b.Max.Y-1)
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		push(b.Min.X, y)
		push(b.Max.X-1, y)
	}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		img.SetNRGBA(p.X, p.Y, color.NRGBA{})
		push(p.X+1, p.Y)
		push(p.X-1, p.Y)
		push(p.X, p.Y+1)
		push(p.X, p.Y-1)
	}
}

func cornerColor(img *image.NRGBA) (color.NRGBA, bool) {
	b := img.Bounds()
	corners := []color.NRGBA{
		img.NRGBAAt(b.Min.X, b.Min.Y),
		img.NRGBAAt(b.Max.X-1, b.Min.Y),
		img.NRGBAAt(b.Min.X, b.Max.Y-1),
		img.NRGBAAt(b.Max.X-1, b.Max.Y-1),
	}
	key := corners[0]
	if key.A == 0 {
		return key, false
	}
	for _, c := range corners[1:] {
		if !near(c, key, 8) {
			return key, false
		}
	}
	return key, true
}

func near(a, b color.NRGBA, tol int) bool {
	return abs(int(a.R)-int(b.R)) <= tol && abs(int(a.G)-int(b.G)) <= tol && abs(int(a.B)-int(b.B)) <= tol && a.A > 0
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("%w: encode png: %v", domain.ErrProcessing, err)
	}
	return buf.Bytes(), nil
}
