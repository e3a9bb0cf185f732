// Package gate is the approval boundary between the pipeline and the humans
// reviewing it. A set "waits" by sitting at a checkpoint stage; decisions are
// validated against the stored stage, never against in-memory state.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"stampline/internal/domain"
	"stampline/internal/events"
	"stampline/internal/repo"
)

type Gate struct {
	Repo   repo.Repo
	Logger zerolog.Logger
}

// Awaiting describes the checkpoint a set is parked at.
type Awaiting struct {
	SetID      string                `json:"set_id"`
	Checkpoint domain.CheckpointKind `json:"checkpoint"`
	Preview    domain.Preview        `json:"preview"`
}

// Await reports the checkpoint the set is waiting on. ok is false while the
// set is still working or is terminal.
func (g Gate) Await(ctx context.Context, id string) (Awaiting, bool, error) {
	s, err := g.Repo.Get(ctx, id)
	if err != nil {
		return Awaiting{}, false, err
	}
	kind, ok := awaiting(s)
	if !ok {
		return Awaiting{}, false, nil
	}
	return Awaiting{SetID: s.ID, Checkpoint: kind, Preview: domain.BuildPreview(s, "")}, true, nil
}

func awaiting(s domain.StampSet) (domain.CheckpointKind, bool) {
	kind, ok := s.Stage.Checkpoint()
	if !ok {
		return "", false
	}
	if kind == domain.CheckpointChooseConcept && len(s.Concepts) == 0 {
		// concepts are being re-proposed
		return "", false
	}
	return kind, true
}

// Submit applies d to the set. A decision for a checkpoint the set is not
// parked at fails with ErrStaleDecision and changes nothing.
func (g Gate) Submit(ctx context.Context, id string, d domain.Decision) (domain.StampSet, error) {
	s, err := g.Repo.Update(ctx, id, func(cur *domain.StampSet, evts *events.Batch) error {
		kind, ok := awaiting(*cur)
		if !ok {
			return fmt.Errorf("%w: set is %s, not awaiting a decision", domain.ErrStaleDecision, cur.Stage)
		}
		if d.Checkpoint != "" && d.Checkpoint != kind {
			return fmt.Errorf("%w: set awaits %s, not %s", domain.ErrStaleDecision, kind, d.Checkpoint)
		}
		switch kind {
		case domain.CheckpointChooseConcept:
			return applyConceptDecision(cur, d, evts)
		case domain.CheckpointApproveSamples:
			return applySampleDecision(cur, d, evts)
		}
		return fmt.Errorf("%w: unknown checkpoint %s", domain.ErrValidation, kind)
	})
	if errors.Is(err, domain.ErrTerminal) {
		err = fmt.Errorf("%w: %w", domain.ErrStaleDecision, err)
	}
	if errors.Is(err, domain.ErrStaleDecision) {
		g.Logger.Info().Str("set_id", id).Str("decision", string(d.Kind)).Err(err).Msg("dropping stale decision")
		if aerr := g.Repo.AppendEvent(ctx, id, domain.EventDecisionStale, map[string]any{
			"decision":   d.Kind,
			"checkpoint": d.Checkpoint,
			"reason":     err.Error(),
		}); aerr != nil {
			g.Logger.Warn().Err(aerr).Str("set_id", id).Msg("record stale decision")
		}
		return s, err
	}
	if err != nil {
		return s, err
	}
	g.Logger.Info().Str("set_id", id).Str("decision", string(d.Kind)).Str("stage", string(s.Stage)).Msg("decision applied")
	return s, nil
}

func applyConceptDecision(s *domain.StampSet, d domain.Decision, evts *events.Batch) error {
	switch d.Kind {
	case domain.DecisionApprove:
		if d.Selection == nil {
			return fmt.Errorf("%w: approve requires a concept selection", domain.ErrValidation)
		}
		idx := *d.Selection
		if idx < 0 || idx >= len(s.Concepts) {
			return fmt.Errorf("%w: concept %d out of range 0..%d", domain.ErrValidation, idx, len(s.Concepts)-1)
		}
		s.SelectedConceptIndex = &idx
		s.Stage = domain.StageConceptApproved
	case domain.DecisionReject:
		cancel(s, evts, "concepts rejected")
	case domain.DecisionRegenerate:
		// an empty concept list at concept_proposed asks the pipeline to re-propose
		s.Concepts = []string{}
	default:
		return fmt.Errorf("%w: unknown decision %q", domain.ErrValidation, d.Kind)
	}
	return nil
}

func applySampleDecision(s *domain.StampSet, d domain.Decision, evts *events.Batch) error {
	switch d.Kind {
	case domain.DecisionApprove:
		s.Stage = domain.StageSamplesApproved
	case domain.DecisionReject:
		cancel(s, evts, "samples rejected")
	case domain.DecisionRegenerate:
		current := map[int]domain.Artifact{}
		for _, a := range s.CurrentSamples() {
			current[a.PhraseIndex] = a
		}
		indices := d.Indices
		if len(indices) == 0 {
			for _, a := range s.CurrentSamples() {
				if a.Status == domain.ArtifactFailed {
					indices = append(indices, a.PhraseIndex)
				}
			}
			if len(indices) == 0 {
				return fmt.Errorf("%w: regenerate needs phrase indices when no sample failed", domain.ErrValidation)
			}
		}
		indices = uniqueSorted(indices)
		for _, i := range indices {
			if _, ok := current[i]; !ok {
				return fmt.Errorf("%w: phrase %d is not a sample", domain.ErrValidation, i)
			}
		}
		s.Stage = domain.StagePhrasesGenerated
		s.PendingSamples = indices
	default:
		return fmt.Errorf("%w: unknown decision %q", domain.ErrValidation, d.Kind)
	}
	return nil
}

func cancel(s *domain.StampSet, evts *events.Batch, note string) {
	evts.Add(domain.EventJobCancelled, map[string]any{"stage": s.Stage, "note": note})
	s.Stage = domain.StageCancelled
}

func uniqueSorted(in []int) []int {
	seen := map[int]bool{}
	var out []int
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}
