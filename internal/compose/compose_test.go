package compose

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stampline/internal/domain"
)

func transparentPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestCaptionDrawsNearBottom(t *testing.T) {
	c, err := New("")
	require.NoError(t, err)
	out, err := c.Caption(context.Background(), transparentPNG(t, 370, 320), "hi")
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)

	var white, black, topInk int
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, a := img.At(x, y).RGBA()
			if a == 0 {
				continue
			}
			if y < b.Dy()/2 {
				topInk++
			}
			switch {
			case r == 0xffff && g == 0xffff && bl == 0xffff:
				white++
			case r == 0 && g == 0 && bl == 0:
				black++
			}
		}
	}
	assert.Positive(t, white, "fill missing")
	assert.Positive(t, black, "outline missing")
	assert.Zero(t, topInk, "caption must sit in the lower half")
}

func TestCaptionEmptyPhraseIsNoop(t *testing.T) {
	c, err := New("")
	require.NoError(t, err)
	in := transparentPNG(t, 10, 10)
	out, err := c.Caption(context.Background(), in, "")
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestCaptionRejectsGarbage(t *testing.T) {
	c, err := New("")
	require.NoError(t, err)
	_, err = c.Caption(context.Background(), []byte("nope"), "hi")
	assert.ErrorIs(t, err, domain.ErrProcessing)
}

func TestCaptionSizeShrinksWithLength(t *testing.T) {
	assert.Equal(t, 32.0, captionSize("ok"))
	assert.Equal(t, 24.0, captionSize("see you later"))
	assert.Equal(t, 18.0, captionSize("thanks for everything today"))
	assert.Equal(t, 32.0, captionSize("おはよう"))
}

func TestGridLayout(t *testing.T) {
	c, err := New("")
	require.NoError(t, err)
	red := solidPNG(t, 40, 30, color.NRGBA{R: 255, A: 255})
	tiles := []Tile{{Number: 1, Image: red}, {Number: 2, Image: red}, {Number: 3, Image: nil}}
	out, err := c.Grid(context.Background(), tiles, 2)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)

	assert.Equal(t, 2*(tileWidth+tilePadding)+tilePadding, img.Bounds().Dx())
	assert.Equal(t, 2*(tileHeight+labelHeight+tilePadding)+tilePadding, img.Bounds().Dy())

	r, g, b, _ := img.At(tilePadding+tileWidth/2, tilePadding+tileHeight/2).RGBA()
	assert.Greater(t, r, uint32(0xf000), "first tile is scaled into its cell")
	assert.Less(t, g, uint32(0x1000))
	assert.Less(t, b, uint32(0x1000))
	y := 2*tilePadding + tileHeight + labelHeight + tileHeight/2
	r, g, b, _ = img.At(tilePadding+tileWidth/2, y).RGBA()
	assert.Equal(t, uint32(200*0x101), r, "unreadable tile shows placeholder")
	assert.Equal(t, r, g)
	assert.Equal(t, r, b)
}

func TestGridNeedsTiles(t *testing.T) {
	c, err := New("")
	require.NoError(t, err)
	_, err = c.Grid(context.Background(), nil, 5)
	assert.ErrorIs(t, err, domain.ErrProcessing)
}
