package domain

import "fmt"

type Stage string

const (
	StageCreated          Stage = "created"
	StageConceptProposed  Stage = "concept_proposed"
	StageConceptApproved  Stage = "concept_approved"
	StagePhrasesGenerated Stage = "phrases_generated"
	StageSamplesGenerated Stage = "samples_generated"
	StageSamplesApproved  Stage = "samples_approved"
	StageFullGenerating   Stage = "full_generating"
	StageCompleted        Stage = "completed"
	StageFailed           Stage = "failed"
	StageCancelled        Stage = "cancelled"
)

var stageOrder = map[Stage]int{
	StageCreated:          0,
	StageConceptProposed:  1,
	StageConceptApproved:  2,
	StagePhrasesGenerated: 3,
	StageSamplesGenerated: 4,
	StageSamplesApproved:  5,
	StageFullGenerating:   6,
	StageCompleted:        7,
}

func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if st == StageFailed || st == StageCancelled {
		return st, nil
	}
	if _, ok := stageOrder[st]; ok {
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown stage %q", ErrValidation, s)
}

// Terminal reports whether the stage is absorbing.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// AtLeast compares positions along the happy path. Failed and Cancelled have no position.
func (s Stage) AtLeast(other Stage) bool {
	a, ok1 := stageOrder[s]
	b, ok2 := stageOrder[other]
	return ok1 && ok2 && a >= b
}

// Checkpoint returns the human checkpoint a stage parks at, if any.
func (s Stage) Checkpoint() (CheckpointKind, bool) {
	switch s {
	case StageConceptProposed:
		return CheckpointChooseConcept, true
	case StageSamplesGenerated:
		return CheckpointApproveSamples, true
	}
	return "", false
}

// EnsureTransition validates a stage change. Same-stage updates are always allowed.
func EnsureTransition(from, to Stage) error {
	if from == to {
		if from.Terminal() {
			return fmt.Errorf("%w: set is %s", ErrTerminal, from)
		}
		return nil
	}
	if from.Terminal() {
		return fmt.Errorf("%w: set is %s", ErrTerminal, from)
	}
	if to == StageFailed || to == StageCancelled {
		return nil
	}
	switch from {
	case StageCreated:
		if to == StageConceptProposed {
			return nil
		}
	case StageConceptProposed:
		if to == StageConceptApproved {
			return nil
		}
	case StageConceptApproved:
		if to == StagePhrasesGenerated {
			return nil
		}
	case StagePhrasesGenerated:
		if to == StageSamplesGenerated {
			return nil
		}
	case StageSamplesGenerated:
		if to == StageSamplesApproved || to == StagePhrasesGenerated {
			return nil
		}
	case StageSamplesApproved:
		if to == StageFullGenerating {
			return nil
		}
	case StageFullGenerating:
		if to == StageCompleted {
			return nil
		}
	}
	return fmt.Errorf("invalid stage transition %s -> %s", from, to)
}
