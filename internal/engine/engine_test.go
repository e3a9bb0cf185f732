package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"stampline/internal/app"
	"stampline/internal/domain"
	"stampline/internal/engine"
)

type testEnv struct {
	App    *app.App
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T, async bool) testEnv {
	t.Helper()
	a, err := app.Open(context.Background(), app.Options{Workspace: t.TempDir(), Logger: zerolog.Nop(), Async: async})
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	a.Engine.Repo.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	a.Engine.Orch.Repo = a.Engine.Repo
	a.Engine.Gate.Repo = a.Engine.Repo
	return testEnv{App: a, Engine: a.Engine, Ctx: context.Background()}
}

func TestInlineFlowThroughExport(t *testing.T) {
	env := newTestEnv(t, false)
	s, err := env.Engine.CreateSet(env.Ctx, "rainy day cat")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.Stage != domain.StageConceptProposed || len(s.Concepts) != 3 {
		t.Fatalf("expected concept checkpoint, got %s %v", s.Stage, s.Concepts)
	}
	if _, err := env.Engine.Export(env.Ctx, s.ID); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("export before completion should fail, got %v", err)
	}

	sel := 1
	s, err = env.Engine.Decide(env.Ctx, s.ID, domain.Decision{Kind: domain.DecisionApprove, Selection: &sel})
	if err != nil {
		t.Fatalf("approve concept: %v", err)
	}
	if s.Stage != domain.StageSamplesGenerated || len(s.SampleArtifacts) != 5 {
		t.Fatalf("expected 5 samples, got %s %d (%s)", s.Stage, len(s.SampleArtifacts), s.FailureReason)
	}
	if grid, err := env.Engine.Store.Path(s.SampleGrid); s.SampleGrid == "" || err != nil {
		t.Fatalf("sample review grid missing: %q %v", s.SampleGrid, err)
	} else if _, err := os.Stat(grid); err != nil {
		t.Fatalf("sample review grid not stored: %v", err)
	}
	cp, ok, err := env.Engine.Checkpoint(env.Ctx, s.ID)
	if err != nil || !ok || cp.Checkpoint != domain.CheckpointApproveSamples || len(cp.Preview.Samples) != 5 {
		t.Fatalf("unexpected checkpoint %+v ok=%v err=%v", cp, ok, err)
	}

	s, err = env.Engine.Decide(env.Ctx, s.ID, domain.Decision{Kind: domain.DecisionApprove})
	if err != nil {
		t.Fatalf("approve samples: %v", err)
	}
	if s.Stage != domain.StageCompleted || len(s.FullArtifacts) != 25 {
		t.Fatalf("expected completed with 25 full, got %s %d", s.Stage, len(s.FullArtifacts))
	}

	b, err := env.Engine.Export(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if b.Concept != s.Concepts[1] || len(b.Phrases) != 30 || len(b.Artifacts) != 30 {
		t.Fatalf("unexpected bundle: concept=%q phrases=%d artifacts=%d", b.Concept, len(b.Phrases), len(b.Artifacts))
	}

	out, n, err := env.Engine.ExportLoRA(env.Ctx, s.ID, t.TempDir())
	if err != nil {
		t.Fatalf("export lora: %v", err)
	}
	if n != 30 {
		t.Fatalf("expected 30 images, got %d", n)
	}
	for _, name := range []string{"001.png", "030.txt", "metadata.json"} {
		if _, err := os.Stat(filepath.Join(out, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}

	if s.FullGrid == "" {
		t.Fatalf("full review grid missing")
	}
	pdf, err := env.Engine.ExportBooth(env.Ctx, s.ID, t.TempDir())
	if err != nil {
		t.Fatalf("export booth: %v", err)
	}
	if _, err := os.Stat(pdf); err != nil {
		t.Fatalf("booth pdf missing: %v", err)
	}

	trs, err := env.Engine.Transitions(env.Ctx, s.ID)
	if err != nil || len(trs) != 7 {
		t.Fatalf("expected 7 transitions, got %d (%v)", len(trs), err)
	}
}

func TestStaleDecisionLeavesSetAlone(t *testing.T) {
	env := newTestEnv(t, false)
	s, err := env.Engine.CreateSet(env.Ctx, "theme")
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Decide(env.Ctx, s.ID, domain.Decision{Checkpoint: domain.CheckpointApproveSamples, Kind: domain.DecisionApprove})
	if !errors.Is(err, domain.ErrStaleDecision) {
		t.Fatalf("expected stale decision, got %v", err)
	}
	got, _ := env.Engine.Set(env.Ctx, s.ID)
	if got.Version != s.Version || got.Stage != s.Stage {
		t.Fatalf("set changed after stale decision")
	}
}

func TestDeleteRemovesSetAndImages(t *testing.T) {
	env := newTestEnv(t, false)
	s, _ := env.Engine.CreateSet(env.Ctx, "theme")
	sel := 0
	s, err := env.Engine.Decide(env.Ctx, s.ID, domain.Decision{Kind: domain.DecisionApprove, Selection: &sel})
	if err != nil {
		t.Fatal(err)
	}
	dir, _ := env.Engine.Store.Path(s.ID)
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected stored samples: %v", err)
	}
	if err := env.Engine.Delete(env.Ctx, s.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Set(env.Ctx, s.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("stored images left behind: %v", err)
	}
	if err := env.Engine.Delete(env.Ctx, s.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
}

func TestAsyncCreateHandsOffToRunner(t *testing.T) {
	env := newTestEnv(t, true)
	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	env.Engine.Runner.Start(ctx)

	s, err := env.Engine.CreateSet(env.Ctx, "theme")
	if err != nil {
		t.Fatal(err)
	}
	if s.Stage != domain.StageCreated {
		t.Fatalf("async create should return immediately, got %s", s.Stage)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := env.Engine.Set(env.Ctx, s.ID)
		if got.Stage == domain.StageConceptProposed {
			cancel()
			env.Engine.Runner.Wait()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("runner never advanced the set")
}
