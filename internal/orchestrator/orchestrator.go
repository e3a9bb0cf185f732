package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"stampline/internal/compose"
	"stampline/internal/domain"
	"stampline/internal/events"
	"stampline/internal/gateway"
	"stampline/internal/repo"
)

type Config struct {
	ConceptCount  int
	PhraseCount   int
	SampleCount   int
	FullBatchSize int
	Concurrency   int
	TextTimeout   time.Duration
	RenderTimeout time.Duration
	StripTimeout  time.Duration
}

// ArtifactStore persists rendered images and returns their relative key.
type ArtifactStore interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
	Read(ctx context.Context, key string) ([]byte, error)
}

// Composer draws the phrase onto each sticker and builds the numbered review
// sheets. compose.Composer implements it.
type Composer interface {
	Caption(ctx context.Context, image []byte, phrase string) ([]byte, error)
	Grid(ctx context.Context, tiles []compose.Tile, cols int) ([]byte, error)
}

const (
	sampleGridCols = 5
	fullGridCols   = 8
)

// Orchestrator walks a set through its stages. Every step persists through
// Repo.Update before the next gateway call, so a restarted process resumes
// from the stored stage.
type Orchestrator struct {
	Repo     repo.Repo
	Gateways gateway.Set
	Store    ArtifactStore
	// Composer is optional; without it stickers are stored uncaptioned and no
	// review sheets are built.
	Composer Composer
	Caller   gateway.Caller
	Config   Config
	Logger   zerolog.Logger
}

// errStageMoved aborts a mutation whose precondition no longer holds.
var errStageMoved = errors.New("stage moved")

// errAlreadyRecorded marks a result for a phrase that is no longer pending.
var errAlreadyRecorded = errors.New("already recorded")

func (o *Orchestrator) Create(ctx context.Context, theme string) (domain.StampSet, error) {
	s, err := o.Repo.Create(ctx, theme)
	if err != nil {
		return s, err
	}
	o.Logger.Info().Str("set_id", s.ID).Str("theme", s.Theme).Msg("set created")
	return s, nil
}

// Advance runs the set forward until it parks at a checkpoint or becomes
// terminal. Results that lose a race with cancellation are dropped.
func (o *Orchestrator) Advance(ctx context.Context, id string) (domain.StampSet, error) {
	for {
		s, err := o.Repo.Get(ctx, id)
		if err != nil {
			return s, err
		}
		if s.Stage.Terminal() || o.parked(s) {
			return s, nil
		}
		if err := ctx.Err(); err != nil {
			return s, err
		}
		err = o.step(ctx, s)
		switch {
		case err == nil, errors.Is(err, errStageMoved):
			continue
		case errors.Is(err, domain.ErrTerminal):
			o.Logger.Info().Str("set_id", id).Msg("set became terminal; discarding in-flight result")
			continue
		default:
			return s, err
		}
	}
}

func (o *Orchestrator) parked(s domain.StampSet) bool {
	switch s.Stage {
	case domain.StageConceptProposed:
		return len(s.Concepts) > 0
	case domain.StageSamplesGenerated:
		return true
	}
	return false
}

func (o *Orchestrator) step(ctx context.Context, s domain.StampSet) error {
	log := o.Logger.With().Str("set_id", s.ID).Str("stage", string(s.Stage)).Logger()
	log.Debug().Msg("advancing")
	switch s.Stage {
	case domain.StageCreated, domain.StageConceptProposed:
		return o.proposeConcepts(ctx, s)
	case domain.StageConceptApproved:
		return o.proposePhrases(ctx, s)
	case domain.StagePhrasesGenerated:
		return o.renderSamples(ctx, s)
	case domain.StageSamplesApproved:
		return o.startFull(ctx, s)
	case domain.StageFullGenerating:
		return o.renderFull(ctx, s)
	}
	return fmt.Errorf("no action for stage %s", s.Stage)
}

func (o *Orchestrator) proposeConcepts(ctx context.Context, s domain.StampSet) error {
	from := s.Stage
	concepts, err := gateway.Call(ctx, o.Caller, "propose_concepts", o.Config.TextTimeout, func(ctx context.Context) ([]string, error) {
		return o.Gateways.Text.ProposeConcepts(ctx, s.Theme)
	})
	if err == nil {
		concepts = nonEmpty(concepts)
		if len(concepts) == 0 {
			err = fmt.Errorf("%w: no concepts proposed", domain.ErrUpstreamRejected)
		}
	}
	if err != nil {
		return o.failOnGatewayError(ctx, s, err)
	}
	if n := o.Config.ConceptCount; n > 0 && len(concepts) > n {
		concepts = concepts[:n]
	}
	_, err = o.Repo.Update(ctx, s.ID, func(cur *domain.StampSet, evts *events.Batch) error {
		if cur.Stage != from || (from == domain.StageConceptProposed && len(cur.Concepts) > 0) {
			return errStageMoved
		}
		cur.Stage = domain.StageConceptProposed
		cur.Concepts = concepts
		evts.Add(domain.EventCheckpointReached, domain.BuildPreview(*cur, ""))
		return nil
	})
	return err
}

func (o *Orchestrator) proposePhrases(ctx context.Context, s domain.StampSet) error {
	concept := s.SelectedConcept()
	phrases, err := gateway.Call(ctx, o.Caller, "propose_phrases", o.Config.TextTimeout, func(ctx context.Context) ([]string, error) {
		return o.Gateways.Text.ProposePhrases(ctx, concept)
	})
	if err == nil {
		phrases = nonEmpty(phrases)
		if len(phrases) == 0 {
			err = fmt.Errorf("%w: no phrases proposed", domain.ErrUpstreamRejected)
		}
	}
	if err != nil {
		return o.failOnGatewayError(ctx, s, err)
	}
	if n := o.Config.PhraseCount; n > 0 && len(phrases) > n {
		phrases = phrases[:n]
	}
	samples := o.Config.SampleCount
	if samples <= 0 || samples > len(phrases) {
		samples = len(phrases)
	}
	_, err = o.Repo.Update(ctx, s.ID, func(cur *domain.StampSet, _ *events.Batch) error {
		if cur.Stage != domain.StageConceptApproved {
			return errStageMoved
		}
		cur.Stage = domain.StagePhrasesGenerated
		cur.Phrases = phrases
		cur.PendingSamples = indexRange(0, samples)
		return nil
	})
	return err
}

func (o *Orchestrator) renderSamples(ctx context.Context, s domain.StampSet) error {
	if len(s.PendingSamples) > 0 {
		if _, err := o.renderBatch(ctx, s, domain.ArtifactSample, s.PendingSamples); err != nil {
			return err
		}
		return nil
	}
	grid := o.reviewGrid(ctx, s, "samples", s.CurrentSamples(), sampleGridCols)
	next, err := o.Repo.Update(ctx, s.ID, func(cur *domain.StampSet, evts *events.Batch) error {
		if cur.Stage != domain.StagePhrasesGenerated || len(cur.PendingSamples) > 0 {
			return errStageMoved
		}
		current := cur.CurrentSamples()
		ready := 0
		for _, a := range current {
			if a.Status == domain.ArtifactReady {
				ready++
			}
		}
		if ready == 0 {
			from := cur.Stage
			reason := batchFailureReason(current, "sample")
			cur.Stage = domain.StageFailed
			cur.FailureReason = reason
			evts.Add(domain.EventJobFailed, failedPayload(from, reason))
			return nil
		}
		cur.Stage = domain.StageSamplesGenerated
		cur.SampleGrid = grid
		evts.Add(domain.EventCheckpointReached, domain.BuildPreview(*cur, ""))
		return nil
	})
	if err == nil && next.Stage == domain.StageSamplesGenerated {
		o.Logger.Info().Str("set_id", s.ID).Msg("samples ready for review")
	}
	return err
}

func (o *Orchestrator) startFull(ctx context.Context, s domain.StampSet) error {
	_, err := o.Repo.Update(ctx, s.ID, func(cur *domain.StampSet, _ *events.Batch) error {
		if cur.Stage != domain.StageSamplesApproved {
			return errStageMoved
		}
		used := cur.SamplePhraseIndices()
		var remaining []int
		for i := range cur.Phrases {
			if !used[i] {
				remaining = append(remaining, i)
			}
		}
		cur.Stage = domain.StageFullGenerating
		cur.PendingFull = remaining
		return nil
	})
	return err
}

func (o *Orchestrator) renderFull(ctx context.Context, s domain.StampSet) error {
	if len(s.PendingFull) > 0 {
		size := o.Config.FullBatchSize
		if size <= 0 || size > len(s.PendingFull) {
			size = len(s.PendingFull)
		}
		batch := append([]int(nil), s.PendingFull[:size]...)
		ok, err := o.renderBatch(ctx, s, domain.ArtifactFull, batch)
		if err != nil {
			return err
		}
		if ok > 0 {
			return nil
		}
		// Another runner may have recorded part of this batch, so the verdict
		// comes from the stored artifacts rather than from this call's count.
		_, err = o.Repo.Update(ctx, s.ID, func(cur *domain.StampSet, evts *events.Batch) error {
			if cur.Stage != domain.StageFullGenerating {
				return errStageMoved
			}
			for _, idx := range batch {
				if containsInt(cur.PendingFull, idx) {
					return errStageMoved
				}
			}
			var failed []domain.Artifact
			for _, a := range cur.FullArtifacts {
				if !containsInt(batch, a.PhraseIndex) {
					continue
				}
				if a.Status == domain.ArtifactReady {
					return errStageMoved
				}
				failed = append(failed, a)
			}
			reason := batchFailureReason(failed, "full")
			cur.Stage = domain.StageFailed
			cur.FailureReason = reason
			evts.Add(domain.EventJobFailed, failedPayload(domain.StageFullGenerating, reason))
			return nil
		})
		return err
	}
	grid := o.reviewGrid(ctx, s, "full", append(s.CurrentSamples(), s.FullArtifacts...), fullGridCols)
	_, err := o.Repo.Update(ctx, s.ID, func(cur *domain.StampSet, evts *events.Batch) error {
		if cur.Stage != domain.StageFullGenerating || len(cur.PendingFull) > 0 {
			return errStageMoved
		}
		cur.Stage = domain.StageCompleted
		cur.FullGrid = grid
		evts.Add(domain.EventJobCompleted, completedPayload(*cur))
		return nil
	})
	if err == nil {
		o.Logger.Info().Str("set_id", s.ID).Msg("set completed")
	}
	return err
}

// renderBatch produces one artifact per phrase index concurrently. Each result
// is recorded in its own update that also clears the index from the pending
// list, so a crash never duplicates an artifact. It returns how many ready
// artifacts this call recorded.
func (o *Orchestrator) renderBatch(ctx context.Context, s domain.StampSet, kind domain.ArtifactKind, indices []int) (int, error) {
	limit := o.Config.Concurrency
	if limit <= 0 {
		limit = 1
	}
	attempts := map[int]int{}
	for _, a := range append(append([]domain.Artifact(nil), s.SampleArtifacts...), s.FullArtifacts...) {
		if a.Kind == kind {
			attempts[a.PhraseIndex]++
		}
	}
	var ready atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, idx := range indices {
		idx := idx
		attempt := attempts[idx]
		g.Go(func() error {
			art, err := o.produce(gctx, s, kind, idx, attempt)
			if err != nil {
				return err
			}
			err = o.record(gctx, s.ID, s.Stage, kind, art)
			if errors.Is(err, errAlreadyRecorded) {
				return nil
			}
			if err != nil {
				return err
			}
			if art.Status == domain.ArtifactReady {
				ready.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	return int(ready.Load()), err
}

// produce renders, strips, captions and stores one image. Gateway failures become a
// failed artifact; only cancellation is returned as an error.
func (o *Orchestrator) produce(ctx context.Context, s domain.StampSet, kind domain.ArtifactKind, idx, attempt int) (domain.Artifact, error) {
	log := o.Logger.With().Str("set_id", s.ID).Str("kind", string(kind)).Int("phrase_index", idx).Logger()
	failed := func(err error) (domain.Artifact, error) {
		if ctx.Err() != nil {
			return domain.Artifact{}, ctx.Err()
		}
		log.Warn().Err(err).Msg("artifact failed")
		return domain.Artifact{Kind: kind, PhraseIndex: idx, Status: domain.ArtifactFailed, Error: domain.FailureReason(err)}, nil
	}
	concept := s.SelectedConcept()
	phrase := s.Phrases[idx]
	raw, err := gateway.Call(ctx, o.Caller, "render", o.Config.RenderTimeout, func(ctx context.Context) ([]byte, error) {
		return o.Gateways.Render.Render(ctx, concept, phrase)
	})
	if err != nil {
		return failed(err)
	}
	clean, err := gateway.Call(ctx, o.Caller, "strip", o.Config.StripTimeout, func(ctx context.Context) ([]byte, error) {
		return o.Gateways.Strip.Strip(ctx, raw)
	})
	if err != nil {
		if !errors.Is(err, domain.ErrProcessing) && !domain.Retryable(err) {
			err = fmt.Errorf("%w: %w", domain.ErrProcessing, err)
		}
		return failed(err)
	}
	if o.Composer != nil {
		clean, err = o.Composer.Caption(ctx, clean, phrase)
		if err != nil {
			if !errors.Is(err, domain.ErrProcessing) {
				err = fmt.Errorf("%w: caption: %w", domain.ErrProcessing, err)
			}
			return failed(err)
		}
	}
	key, err := o.Store.Write(ctx, artifactKey(s.ID, kind, idx, attempt), clean)
	if err != nil {
		return failed(fmt.Errorf("%w: %w", domain.ErrPersistence, err))
	}
	log.Debug().Str("path", key).Msg("artifact ready")
	return domain.Artifact{Kind: kind, PhraseIndex: idx, Path: key, Status: domain.ArtifactReady}, nil
}

// reviewGrid stores a numbered sheet of the ready artifacts, ordered by phrase,
// and returns its key. A sheet is a convenience for the reviewer, so failures
// are logged and yield "".
func (o *Orchestrator) reviewGrid(ctx context.Context, s domain.StampSet, name string, arts []domain.Artifact, cols int) string {
	if o.Composer == nil {
		return ""
	}
	log := o.Logger.With().Str("set_id", s.ID).Str("grid", name).Logger()
	var ready []domain.Artifact
	for _, a := range arts {
		if a.Status == domain.ArtifactReady {
			ready = append(ready, a)
		}
	}
	if len(ready) == 0 {
		return ""
	}
	sort.SliceStable(ready, func(i, j int) bool { return ready[i].PhraseIndex < ready[j].PhraseIndex })
	tiles := make([]compose.Tile, 0, len(ready))
	for _, a := range ready {
		data, err := o.Store.Read(ctx, a.Path)
		if err != nil {
			log.Warn().Err(err).Str("path", a.Path).Msg("grid tile unreadable")
		}
		tiles = append(tiles, compose.Tile{Number: a.PhraseIndex + 1, Image: data})
	}
	sheet, err := o.Composer.Grid(ctx, tiles, cols)
	if err != nil {
		log.Warn().Err(err).Msg("build review grid")
		return ""
	}
	key, err := o.Store.Write(ctx, fmt.Sprintf("%s/grid/%s-%d.png", s.ID, name, s.Version), sheet)
	if err != nil {
		log.Warn().Err(err).Msg("store review grid")
		return ""
	}
	return key
}

func (o *Orchestrator) record(ctx context.Context, id string, stage domain.Stage, kind domain.ArtifactKind, art domain.Artifact) error {
	_, err := o.Repo.Update(ctx, id, func(cur *domain.StampSet, _ *events.Batch) error {
		if cur.Stage != stage {
			return errStageMoved
		}
		switch kind {
		case domain.ArtifactSample:
			rest, ok := removeInt(cur.PendingSamples, art.PhraseIndex)
			if !ok {
				return errAlreadyRecorded
			}
			cur.PendingSamples = rest
			cur.SampleArtifacts = append(cur.SampleArtifacts, art)
		case domain.ArtifactFull:
			rest, ok := removeInt(cur.PendingFull, art.PhraseIndex)
			if !ok {
				return errAlreadyRecorded
			}
			cur.PendingFull = rest
			cur.FullArtifacts = append(cur.FullArtifacts, art)
		}
		return nil
	})
	return err
}

// Cancel moves a non-terminal set to cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (domain.StampSet, error) {
	s, err := o.Repo.Update(ctx, id, func(cur *domain.StampSet, evts *events.Batch) error {
		evts.Add(domain.EventJobCancelled, map[string]any{"stage": cur.Stage})
		cur.Stage = domain.StageCancelled
		return nil
	})
	if err == nil {
		o.Logger.Info().Str("set_id", id).Msg("set cancelled")
	}
	return s, err
}

// failOnGatewayError records a job-level failure for an exhausted or
// rejected gateway call. Cancellation is passed through untouched.
func (o *Orchestrator) failOnGatewayError(ctx context.Context, s domain.StampSet, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	reason := domain.FailureReason(cause)
	o.Logger.Warn().Err(cause).Str("set_id", s.ID).Str("stage", string(s.Stage)).Msg("set failed")
	_, err := o.Repo.Update(ctx, s.ID, func(cur *domain.StampSet, evts *events.Batch) error {
		if cur.Stage != s.Stage {
			return errStageMoved
		}
		cur.Stage = domain.StageFailed
		cur.FailureReason = reason
		evts.Add(domain.EventJobFailed, failedPayload(s.Stage, reason))
		return nil
	})
	return err
}

type FailedItem struct {
	Kind        domain.ArtifactKind `json:"kind"`
	PhraseIndex int                 `json:"phrase_index"`
	Error       string              `json:"error"`
}

func completedPayload(s domain.StampSet) map[string]any {
	ready := 0
	for _, a := range s.FullArtifacts {
		if a.Status == domain.ArtifactReady {
			ready++
		}
	}
	for _, a := range s.CurrentSamples() {
		if a.Status == domain.ArtifactReady {
			ready++
		}
	}
	items := []FailedItem{}
	for _, a := range s.FailedItems() {
		items = append(items, FailedItem{Kind: a.Kind, PhraseIndex: a.PhraseIndex, Error: a.Error})
	}
	payload := map[string]any{"ready": ready, "failed_items": items}
	if s.FullGrid != "" {
		payload["grid"] = s.FullGrid
	}
	return payload
}

func failedPayload(stage domain.Stage, reason string) map[string]any {
	return map[string]any{"stage": stage, "reason": reason}
}

// batchFailureReason keeps the first item's error so its category prefix
// survives into the job-level reason.
func batchFailureReason(items []domain.Artifact, what string) string {
	if len(items) == 0 {
		return domain.FailureReason(fmt.Errorf("%w: no %s artifacts produced", domain.ErrProcessing, what))
	}
	return fmt.Sprintf("%s (all %d %s renders failed)", items[0].Error, len(items), what)
}

func artifactKey(setID string, kind domain.ArtifactKind, idx, attempt int) string {
	return fmt.Sprintf("%s/%s/%03d-%d.png", setID, kind, idx, attempt)
}

func indexRange(from, to int) []int {
	out := make([]int, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

func removeInt(list []int, v int) ([]int, bool) {
	for i, x := range list {
		if x == v {
			out := append([]int(nil), list[:i]...)
			return append(out, list[i+1:]...), true
		}
	}
	return list, false
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
