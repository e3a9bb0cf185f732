// Package synthetic provides deterministic offline gateways so the pipeline
// runs end to end without external services.
package synthetic

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"

	"stampline/internal/gateway"
)

type Text struct {
	ConceptCount int
	PhraseCount  int
}

var _ gateway.TextConceptGateway = Text{}

var moods = []string{"cheerful", "sleepy", "grumpy", "curious", "shy"}

var phraseBank = []string{
	"Good morning!", "Thank you!", "Got it", "See you!", "Sorry!", "Congrats!",
	"Good night", "LOL", "Really?", "On my way", "Please!", "Yay!",
	"Hmm...", "No way", "Cheers", "Welcome!", "Hang in there", "I'm hungry",
	"Love it", "OK!", "Help!", "Wow", "Busy now", "Call me",
	"Miss you", "Nice!", "Take care", "Hello!", "Bye!", "Sure thing",
}

func (t Text) ProposeConcepts(ctx context.Context, theme string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := t.ConceptCount
	if n <= 0 {
		n = 3
	}
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s %s mascot #%d", moods[i%len(moods)], theme, i+1)
	}
	return out, nil
}

func (t Text) ProposePhrases(ctx context.Context, concept string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := t.PhraseCount
	if n <= 0 {
		n = 30
	}
	out := make([]string, n)
	for i := range out {
		p := phraseBank[i%len(phraseBank)]
		if i >= len(phraseBank) {
			p = fmt.Sprintf("%s (%d)", p, i/len(phraseBank)+1)
		}
		out[i] = p
	}
	return out, nil
}

// Render draws a filled disc on a white canvas, coloured by the inputs.
type Render struct {
	Width  int
	Height int
}

var _ gateway.ImageRenderGateway = Render{}

func (r Render) Render(ctx context.Context, concept, phrase string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w, h := r.Width, r.Height
	if w <= 0 {
		w = 370
	}
	if h <= 0 {
		h = 320
	}
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(concept + "\x00" + phrase))
	sum := hash.Sum32()
	fill := color.NRGBA{R: uint8(sum >> 16), G: uint8(sum >> 8), B: uint8(sum), A: 255}
	if fill.R > 240 && fill.G > 240 && fill.B > 240 {
		fill.R = 128
	}

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	cx, cy := w/2, h/2
	radius := min(w, h) / 3
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy <= radius*radius {
				img.SetNRGBA(x, y, fill)
			} else {
				img.SetNRGBA(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
