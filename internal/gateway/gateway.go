// Package gateway declares the capabilities the orchestrator needs from the
// external generation services and the call policy wrapped around them.
// Adapters live in subpackages and hold no orchestrator state.
package gateway

import "context"

// TextConceptGateway proposes character concepts and phrases.
// Failures: ErrUpstreamUnavailable, ErrUpstreamTimeout, ErrUpstreamRejected.
type TextConceptGateway interface {
	ProposeConcepts(ctx context.Context, theme string) ([]string, error)
	ProposePhrases(ctx context.Context, concept string) ([]string, error)
}

// ImageRenderGateway renders one image for a concept and phrase.
// Failures: ErrUpstreamUnavailable, ErrUpstreamTimeout, ErrUpstreamRejected.
type ImageRenderGateway interface {
	Render(ctx context.Context, concept, phrase string) ([]byte, error)
}

// BackgroundStripGateway returns a copy of the image with a transparent background.
// Failures: ErrProcessing, or ErrUpstreamUnavailable for remote strippers.
type BackgroundStripGateway interface {
	Strip(ctx context.Context, image []byte) ([]byte, error)
}

// Set bundles the three gateways a pipeline runs against.
type Set struct {
	Text   TextConceptGateway
	Render ImageRenderGateway
	Strip  BackgroundStripGateway
}
