package repo_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"stampline/internal/db"
	"stampline/internal/domain"
	"stampline/internal/events"
	"stampline/internal/migrate"
	"stampline/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.New(conn, db.SQLite, repo.Limits{MaxConcepts: 3, MaxPhrases: 30, MaxSamples: 5})
	r.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return r, context.Background()
}

func toStage(st domain.Stage) repo.Mutation {
	return func(s *domain.StampSet, _ *events.Batch) error {
		s.Stage = st
		return nil
	}
}

func TestCreateRejectsEmptyTheme(t *testing.T) {
	r, ctx := newTestRepo(t)
	if _, err := r.Create(ctx, "   "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateAndGet(t *testing.T) {
	r, ctx := newTestRepo(t)
	s, err := r.Create(ctx, "rainy day cat")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := r.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Stage != domain.StageCreated || got.Theme != "rainy day cat" || got.Version != 1 {
		t.Fatalf("unexpected set %+v", got)
	}
	if _, err := r.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	evts, err := r.EventsAfter(ctx, 0, 10)
	if err != nil || len(evts) != 1 || evts[0].Type != domain.EventSetCreated {
		t.Fatalf("expected set.created event, got %+v err=%v", evts, err)
	}
}

func TestUpdatePersistsArtifactsTransitionsAndEvents(t *testing.T) {
	r, ctx := newTestRepo(t)
	s, _ := r.Create(ctx, "theme")
	_, err := r.Update(ctx, s.ID, func(s *domain.StampSet, evts *events.Batch) error {
		s.Stage = domain.StageConceptProposed
		s.Concepts = []string{"a", "b", "c"}
		evts.Add(domain.EventCheckpointReached, map[string]any{"checkpoint": "choose_concept"})
		return nil
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	_, err = r.Update(ctx, s.ID, func(s *domain.StampSet, _ *events.Batch) error {
		idx := 1
		s.SelectedConceptIndex = &idx
		s.Stage = domain.StageConceptApproved
		return nil
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	_, err = r.Update(ctx, s.ID, func(s *domain.StampSet, _ *events.Batch) error {
		s.Stage = domain.StagePhrasesGenerated
		s.Phrases = []string{"p0", "p1", "p2"}
		s.PendingSamples = []int{0, 1}
		return nil
	})
	if err != nil {
		t.Fatalf("phrases: %v", err)
	}
	updated, err := r.Update(ctx, s.ID, func(s *domain.StampSet, _ *events.Batch) error {
		s.SampleArtifacts = append(s.SampleArtifacts,
			domain.Artifact{PhraseIndex: 0, Path: "x/0.png", Status: domain.ArtifactReady},
			domain.Artifact{PhraseIndex: 1, Status: domain.ArtifactFailed, Error: "boom"})
		s.PendingSamples = nil
		s.Stage = domain.StageSamplesGenerated
		return nil
	})
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	if updated.SampleArtifacts[0].ID == "" {
		t.Fatalf("expected artifact id to be assigned")
	}
	got, err := r.Get(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Stage != domain.StageSamplesGenerated || len(got.SampleArtifacts) != 2 || got.Version != 5 {
		t.Fatalf("unexpected reload %+v", got)
	}
	if got.SampleArtifacts[1].Status != domain.ArtifactFailed || got.SampleArtifacts[1].Error != "boom" {
		t.Fatalf("failed artifact not persisted: %+v", got.SampleArtifacts[1])
	}
	if *got.SelectedConceptIndex != 1 {
		t.Fatalf("selected concept lost")
	}
	trs, err := r.ListTransitions(ctx, s.ID)
	if err != nil || len(trs) != 4 {
		t.Fatalf("expected 4 transitions, got %d err=%v", len(trs), err)
	}
	if trs[0].From != domain.StageCreated || trs[3].To != domain.StageSamplesGenerated {
		t.Fatalf("unexpected transitions %+v", trs)
	}
	evts, _ := r.EventsAfter(ctx, 0, 10)
	if len(evts) != 2 || evts[1].Type != domain.EventCheckpointReached || evts[1].SetID != s.ID {
		t.Fatalf("unexpected events %+v", evts)
	}
}

func TestUpdateRejectsInvalidTransitionAndKeepsState(t *testing.T) {
	r, ctx := newTestRepo(t)
	s, _ := r.Create(ctx, "theme")
	_, err := r.Update(ctx, s.ID, toStage(domain.StageSamplesApproved))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	got, _ := r.Get(ctx, s.ID)
	if got.Stage != domain.StageCreated || got.Version != 1 {
		t.Fatalf("state changed after rejected update: %+v", got)
	}
}

func TestUpdateRejectsArtifactRewrite(t *testing.T) {
	r, ctx := newTestRepo(t)
	s, _ := r.Create(ctx, "theme")
	_, _ = r.Update(ctx, s.ID, func(s *domain.StampSet, _ *events.Batch) error {
		s.Stage = domain.StageConceptProposed
		s.Concepts = []string{"a"}
		return nil
	})
	_, _ = r.Update(ctx, s.ID, func(s *domain.StampSet, _ *events.Batch) error {
		idx := 0
		s.SelectedConceptIndex = &idx
		s.Stage = domain.StageConceptApproved
		return nil
	})
	_, _ = r.Update(ctx, s.ID, func(s *domain.StampSet, _ *events.Batch) error {
		s.Stage = domain.StagePhrasesGenerated
		s.Phrases = []string{"p0"}
		s.SampleArtifacts = append(s.SampleArtifacts, domain.Artifact{PhraseIndex: 0, Status: domain.ArtifactFailed, Error: "x"})
		return nil
	})
	_, err := r.Update(ctx, s.ID, func(s *domain.StampSet, _ *events.Batch) error {
		s.SampleArtifacts[0].Status = domain.ArtifactReady
		return nil
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected append-only violation, got %v", err)
	}
	_, err = r.Update(ctx, s.ID, func(s *domain.StampSet, _ *events.Batch) error {
		s.Concepts = []string{"changed"}
		return nil
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected concepts immutability violation, got %v", err)
	}
}

func TestTerminalSetRejectsMutations(t *testing.T) {
	r, ctx := newTestRepo(t)
	s, _ := r.Create(ctx, "theme")
	if _, err := r.Update(ctx, s.ID, toStage(domain.StageCancelled)); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	called := false
	_, err := r.Update(ctx, s.ID, func(s *domain.StampSet, _ *events.Batch) error {
		called = true
		s.Stage = domain.StageConceptProposed
		return nil
	})
	if !errors.Is(err, domain.ErrTerminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if called {
		t.Fatalf("mutation must not run on a terminal set")
	}
	got, _ := r.Get(ctx, s.ID)
	if got.Stage != domain.StageCancelled {
		t.Fatalf("terminal stage overwritten: %s", got.Stage)
	}
}

func TestConcurrentUpdatesSerialize(t *testing.T) {
	r, ctx := newTestRepo(t)
	s, _ := r.Create(ctx, "theme")
	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Update(ctx, s.ID, func(s *domain.StampSet, evts *events.Batch) error {
				evts.Add("tick", nil)
				return nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	got, _ := r.Get(ctx, s.ID)
	if got.Version != n+1 {
		t.Fatalf("expected version %d, got %d", n+1, got.Version)
	}
}

func TestListFilterAndDelete(t *testing.T) {
	r, ctx := newTestRepo(t)
	a, _ := r.Create(ctx, "a")
	b, _ := r.Create(ctx, "b")
	_, _ = r.Update(ctx, b.ID, toStage(domain.StageFailed))

	all, err := r.List(ctx, repo.Filter{})
	if err != nil || len(all) != 2 {
		t.Fatalf("list all: %d %v", len(all), err)
	}
	failed, _ := r.List(ctx, repo.Filter{Stage: domain.StageFailed})
	if len(failed) != 1 || failed[0].ID != b.ID {
		t.Fatalf("stage filter: %+v", failed)
	}
	active, _ := r.List(ctx, repo.Filter{Active: true})
	if len(active) != 1 || active[0].ID != a.ID {
		t.Fatalf("active filter: %+v", active)
	}
	if err := r.Delete(ctx, b.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.Get(ctx, b.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected deleted set to be gone, got %v", err)
	}
	if err := r.Delete(ctx, b.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	r, ctx := newTestRepo(t)
	if _, ok, err := r.Cursor(ctx, "webhook:x"); err != nil || ok {
		t.Fatalf("expected no cursor, ok=%v err=%v", ok, err)
	}
	if err := r.SetCursor(ctx, "webhook:x", 7); err != nil {
		t.Fatal(err)
	}
	if err := r.SetCursor(ctx, "webhook:x", 9); err != nil {
		t.Fatal(err)
	}
	id, ok, err := r.Cursor(ctx, "webhook:x")
	if err != nil || !ok || id != 9 {
		t.Fatalf("cursor = %d ok=%v err=%v", id, ok, err)
	}
}
