package domain

import "sort"

// StampSet is one generation job. SampleGrid and FullGrid are storage keys of
// the numbered review sheets built when samples and the full set are ready.
type StampSet struct {
	ID                   string     `json:"id"`
	Stage                Stage      `json:"stage" enum:"created,concept_proposed,concept_approved,phrases_generated,samples_generated,samples_approved,full_generating,completed,failed,cancelled"`
	Theme                string     `json:"theme"`
	Concepts             []string   `json:"concepts"`
	SelectedConceptIndex *int       `json:"selected_concept_index,omitempty"`
	Phrases              []string   `json:"phrases"`
	SampleArtifacts      []Artifact `json:"sample_artifacts"`
	FullArtifacts        []Artifact `json:"full_artifacts"`
	PendingSamples       []int      `json:"pending_samples,omitempty"`
	PendingFull          []int      `json:"pending_full,omitempty"`
	FailureReason        string     `json:"failure_reason,omitempty"`
	SampleGrid           string     `json:"sample_grid,omitempty"`
	FullGrid             string     `json:"full_grid,omitempty"`
	Version              int        `json:"version"`
	CreatedAt            string     `json:"created_at" format:"date-time"`
	UpdatedAt            string     `json:"updated_at" format:"date-time"`
}

// SetSummary is the list view used by the read surface.
type SetSummary struct {
	ID        string `json:"id"`
	Stage     Stage  `json:"stage"`
	Theme     string `json:"theme"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type ArtifactKind string

const (
	ArtifactSample ArtifactKind = "sample"
	ArtifactFull   ArtifactKind = "full"
)

type ArtifactStatus string

const (
	ArtifactReady  ArtifactStatus = "ready"
	ArtifactFailed ArtifactStatus = "failed"
)

type Artifact struct {
	ID          string         `json:"id"`
	Kind        ArtifactKind   `json:"kind" enum:"sample,full"`
	PhraseIndex int            `json:"phrase_index"`
	Path        string         `json:"path,omitempty"`
	Status      ArtifactStatus `json:"status" enum:"ready,failed"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}

type Transition struct {
	ID    int64  `json:"id"`
	SetID string `json:"set_id"`
	From  Stage  `json:"from"`
	To    Stage  `json:"to"`
	At    string `json:"at" format:"date-time"`
	Note  string `json:"note,omitempty"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	SetID   string `json:"set_id"`
	Payload string `json:"payload_json"`
}

const (
	EventSetCreated        = "set.created"
	EventCheckpointReached = "checkpoint.reached"
	EventJobCompleted      = "job.completed"
	EventJobFailed         = "job.failed"
	EventJobCancelled      = "job.cancelled"
	EventDecisionStale     = "decision.stale"
)

// SelectedConcept returns the approved concept text, or "" before approval.
func (s StampSet) SelectedConcept() string {
	if s.SelectedConceptIndex == nil {
		return ""
	}
	i := *s.SelectedConceptIndex
	if i < 0 || i >= len(s.Concepts) {
		return ""
	}
	return s.Concepts[i]
}

// CurrentSamples returns the latest sample artifact per phrase index, ordered by phrase index.
func (s StampSet) CurrentSamples() []Artifact {
	latest := map[int]Artifact{}
	for _, a := range s.SampleArtifacts {
		latest[a.PhraseIndex] = a
	}
	out := make([]Artifact, 0, len(latest))
	for _, a := range latest {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PhraseIndex < out[j].PhraseIndex })
	return out
}

// SamplePhraseIndices lists the phrase indices that have been used as samples.
func (s StampSet) SamplePhraseIndices() map[int]bool {
	used := map[int]bool{}
	for _, a := range s.SampleArtifacts {
		used[a.PhraseIndex] = true
	}
	for _, i := range s.PendingSamples {
		used[i] = true
	}
	return used
}

// FailedItems enumerates artifacts that currently stand as failed: the latest
// sample per phrase plus every failed full artifact.
func (s StampSet) FailedItems() []Artifact {
	var out []Artifact
	for _, a := range s.CurrentSamples() {
		if a.Status == ArtifactFailed {
			out = append(out, a)
		}
	}
	for _, a := range s.FullArtifacts {
		if a.Status == ArtifactFailed {
			out = append(out, a)
		}
	}
	return out
}

func (s StampSet) Summary() SetSummary {
	return SetSummary{ID: s.ID, Stage: s.Stage, Theme: s.Theme, UpdatedAt: s.UpdatedAt}
}
