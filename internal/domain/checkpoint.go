package domain

import (
	"fmt"
	"strings"
)

type CheckpointKind string

const (
	CheckpointChooseConcept  CheckpointKind = "choose_concept"
	CheckpointApproveSamples CheckpointKind = "approve_samples"
)

type DecisionKind string

const (
	DecisionApprove    DecisionKind = "approve"
	DecisionReject     DecisionKind = "reject"
	DecisionRegenerate DecisionKind = "regenerate"
)

// Decision is an external verdict on a parked checkpoint. Selection is the
// chosen concept index for Approve at choose_concept; Indices are phrase
// indices to re-render for Regenerate at approve_samples.
type Decision struct {
	Checkpoint CheckpointKind `json:"checkpoint,omitempty" enum:"choose_concept,approve_samples"`
	Kind       DecisionKind   `json:"kind" enum:"approve,reject,regenerate"`
	Selection  *int           `json:"selection,omitempty"`
	Indices    []int          `json:"indices,omitempty"`
}

func ParseDecisionKind(s string) (DecisionKind, error) {
	switch k := DecisionKind(strings.ToLower(strings.TrimSpace(s))); k {
	case DecisionApprove, DecisionReject, DecisionRegenerate:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown decision %q", ErrValidation, s)
}

// Preview is the payload attached to a checkpoint.reached event.
type Preview struct {
	Checkpoint CheckpointKind    `json:"checkpoint"`
	Theme      string            `json:"theme"`
	Concepts   []string          `json:"concepts,omitempty"`
	Concept    string            `json:"concept,omitempty"`
	Samples    []PreviewArtifact `json:"samples,omitempty"`
	Grid       string            `json:"grid,omitempty"`
	Note       string            `json:"note,omitempty"`
}

type PreviewArtifact struct {
	PhraseIndex int            `json:"phrase_index"`
	Phrase      string         `json:"phrase"`
	Path        string         `json:"path,omitempty"`
	Status      ArtifactStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
}

func BuildPreview(s StampSet, note string) Preview {
	p := Preview{Theme: s.Theme, Note: note}
	kind, _ := s.Stage.Checkpoint()
	p.Checkpoint = kind
	switch kind {
	case CheckpointChooseConcept:
		p.Concepts = append([]string(nil), s.Concepts...)
	case CheckpointApproveSamples:
		p.Concept = s.SelectedConcept()
		p.Grid = s.SampleGrid
		for _, a := range s.CurrentSamples() {
			p.Samples = append(p.Samples, PreviewArtifact{
				PhraseIndex: a.PhraseIndex,
				Phrase:      phraseAt(s.Phrases, a.PhraseIndex),
				Path:        a.Path,
				Status:      a.Status,
				Error:       a.Error,
			})
		}
	}
	return p
}

func phraseAt(phrases []string, i int) string {
	if i < 0 || i >= len(phrases) {
		return ""
	}
	return phrases[i]
}
