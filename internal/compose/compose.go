// Package compose draws on finished stickers: the phrase caption on each
// image and the numbered contact sheet shown at a checkpoint.
package compose

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"os"
	"unicode/utf8"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"stampline/internal/domain"
)

const (
	captionPadding = 20
	outlineWidth   = 2

	tileWidth   = 370
	tileHeight  = 320
	tilePadding = 10
	labelHeight = 30
)

var (
	captionFill    = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	captionOutline = color.NRGBA{A: 255}
	sheetBG        = color.NRGBA{R: 240, G: 240, B: 240, A: 255}
	labelBG        = color.NRGBA{R: 50, G: 50, B: 50, A: 200}
	placeholderBG  = color.NRGBA{R: 200, G: 200, B: 200, A: 255}
)

// Composer holds the parsed caption font. Faces are built per call because
// opentype faces keep scratch buffers and renders run concurrently.
type Composer struct {
	font *opentype.Font
}

// New loads the TTF/OTF at fontPath, or the bundled Go Regular face when
// fontPath is empty. Phrases outside the font's coverage render as boxes, so
// non-Latin sets need a matching font such as Noto Sans JP.
func New(fontPath string) (*Composer, error) {
	data := goregular.TTF
	if fontPath != "" {
		b, err := os.ReadFile(fontPath)
		if err != nil {
			return nil, fmt.Errorf("read font: %w", err)
		}
		data = b
	}
	f, err := opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse font: %w", err)
	}
	return &Composer{font: f}, nil
}

// captionSize shrinks the text as the phrase gets longer.
func captionSize(text string) float64 {
	switch n := utf8.RuneCountInString(text); {
	case n <= 5:
		return 32
	case n <= 15:
		return 24
	default:
		return 18
	}
}

func (c *Composer) face(size float64) (font.Face, error) {
	return opentype.NewFace(c.font, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
}

// Caption writes text in white with a black outline, centred near the bottom
// edge. An empty phrase returns the image untouched.
func (c *Composer) Caption(ctx context.Context, data []byte, text string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if text == "" {
		return data, nil
	}
	img, err := decodeNRGBA(data)
	if err != nil {
		return nil, err
	}
	face, err := c.face(captionSize(text))
	if err != nil {
		return nil, fmt.Errorf("%w: caption face: %v", domain.ErrProcessing, err)
	}
	defer face.Close()

	b := img.Bounds()
	m := face.Metrics()
	textW := font.MeasureString(face, text).Ceil()
	textH := (m.Ascent + m.Descent).Ceil()
	x := b.Min.X + (b.Dx()-textW)/2
	if x < b.Min.X {
		x = b.Min.X
	}
	top := b.Max.Y - textH - captionPadding
	if top < b.Min.Y {
		top = b.Max.Y - textH - 5
	}
	baseline := top + m.Ascent.Ceil()

	d := &font.Drawer{Dst: img, Face: face}
	d.Src = image.NewUniform(captionOutline)
	for dx := -outlineWidth; dx <= outlineWidth; dx++ {
		for dy := -outlineWidth; dy <= outlineWidth; dy++ {
			if dx == 0 && dy == 0 {
				continue
			}
			d.Dot = fixed.P(x+dx, baseline+dy)
			d.DrawString(text)
		}
	}
	d.Src = image.NewUniform(captionFill)
	d.Dot = fixed.P(x, baseline)
	d.DrawString(text)
	return encode(img)
}

// Tile is one numbered cell on a review sheet. Image may be nil when the
// artifact could not be read; the cell then shows a grey placeholder.
type Tile struct {
	Number int
	Image  []byte
}

// Grid lays tiles out cols per row, each scaled to 370x320 with its number on
// a dark band underneath.
func (c *Composer) Grid(ctx context.Context, tiles []Tile, cols int) ([]byte, error) {
	if len(tiles) == 0 {
		return nil, fmt.Errorf("%w: no tiles", domain.ErrProcessing)
	}
	if cols <= 0 {
		cols = len(tiles)
	}
	rows := (len(tiles) + cols - 1) / cols
	width := cols*(tileWidth+tilePadding) + tilePadding
	height := rows*(tileHeight+labelHeight+tilePadding) + tilePadding
	sheet := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.Draw(sheet, sheet.Bounds(), image.NewUniform(sheetBG), image.Point{}, draw.Src)

	face, err := c.face(20)
	if err != nil {
		return nil, fmt.Errorf("%w: label face: %v", domain.ErrProcessing, err)
	}
	defer face.Close()

	for i, t := range tiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		x := tilePadding + (i%cols)*(tileWidth+tilePadding)
		y := tilePadding + (i/cols)*(tileHeight+labelHeight+tilePadding)
		cell := image.Rect(x, y, x+tileWidth, y+tileHeight)
		src, _, err := image.Decode(bytes.NewReader(t.Image))
		if err != nil {
			draw.Draw(sheet, cell, image.NewUniform(placeholderBG), image.Point{}, draw.Src)
		} else {
			xdraw.CatmullRom.Scale(sheet, cell, src, src.Bounds(), draw.Over, nil)
		}

		band := image.Rect(x, y+tileHeight+5, x+tileWidth, y+tileHeight+5+labelHeight)
		draw.Draw(sheet, band, image.NewUniform(labelBG), image.Point{}, draw.Over)
		label := fmt.Sprintf("%02d", t.Number)
		d := &font.Drawer{Dst: sheet, Src: image.NewUniform(captionFill), Face: face}
		lx := x + (tileWidth-d.MeasureString(label).Ceil())/2
		d.Dot = fixed.P(lx, band.Min.Y+face.Metrics().Ascent.Ceil()+2)
		d.DrawString(label)
	}
	return encode(sheet)
}

func decodeNRGBA(data []byte) (*image.NRGBA, error) {
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
	return dst, nil
}

func encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("%w: encode png: %v", domain.ErrProcessing, err)
	}
	return buf.Bytes(), nil
}
