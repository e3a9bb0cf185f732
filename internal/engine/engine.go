// Package engine is the command surface shared by the CLI and the HTTP API.
// It turns external requests into Job Store mutations and kicks the
// orchestrator afterwards.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"stampline/internal/domain"
	"stampline/internal/export"
	"stampline/internal/gate"
	"stampline/internal/gateway/sdwebui"
	"stampline/internal/orchestrator"
	"stampline/internal/repo"
	"stampline/internal/storage"
)

type Engine struct {
	Repo   repo.Repo
	Orch   *orchestrator.Orchestrator
	Runner *orchestrator.Runner
	Gate   gate.Gate
	Store  *storage.FileStore
	// FontPath is the TTF used for Japanese text in Booth catalogues.
	FontPath string
	Logger   zerolog.Logger
	// Async hands advancement to the Runner. Otherwise the caller's goroutine
	// advances the set until it parks, which is what one-shot CLI commands want.
	Async bool
}

// kick moves the set forward after an external change.
func (e Engine) kick(ctx context.Context, s domain.StampSet) (domain.StampSet, error) {
	if s.Stage.Terminal() {
		return s, nil
	}
	if e.Async && e.Runner != nil {
		e.Runner.Enqueue(s.ID)
		return s, nil
	}
	return e.Orch.Advance(ctx, s.ID)
}

// CreateSet starts a new set for theme.
func (e Engine) CreateSet(ctx context.Context, theme string) (domain.StampSet, error) {
	s, err := e.Orch.Create(ctx, theme)
	if err != nil {
		return s, err
	}
	return e.kick(ctx, s)
}

func (e Engine) Set(ctx context.Context, id string) (domain.StampSet, error) {
	return e.Repo.Get(ctx, id)
}

func (e Engine) Sets(ctx context.Context, f repo.Filter) ([]domain.StampSet, error) {
	return e.Repo.List(ctx, f)
}

// Decide submits a checkpoint decision and resumes the pipeline when the
// decision moved the set.
func (e Engine) Decide(ctx context.Context, id string, d domain.Decision) (domain.StampSet, error) {
	s, err := e.Gate.Submit(ctx, id, d)
	if err != nil {
		return s, err
	}
	return e.kick(ctx, s)
}

// Advance runs a set forward in the calling goroutine.
func (e Engine) Advance(ctx context.Context, id string) (domain.StampSet, error) {
	return e.Orch.Advance(ctx, id)
}

func (e Engine) Cancel(ctx context.Context, id string) (domain.StampSet, error) {
	if e.Runner != nil {
		return e.Runner.Cancel(ctx, id)
	}
	return e.Orch.Cancel(ctx, id)
}

// Delete cancels a live set, then removes its rows and stored images.
func (e Engine) Delete(ctx context.Context, id string) error {
	if _, err := e.Cancel(ctx, id); err != nil && !errors.Is(err, domain.ErrTerminal) {
		return err
	}
	if err := e.Repo.Delete(ctx, id); err != nil {
		return err
	}
	if e.Store != nil {
		if err := e.Store.RemoveAll(ctx, id); err != nil {
			e.Logger.Warn().Err(err).Str("set_id", id).Msg("remove stored artifacts")
		}
	}
	e.Logger.Info().Str("set_id", id).Msg("set deleted")
	return nil
}

func (e Engine) Export(ctx context.Context, id string) (export.Bundle, error) {
	s, err := e.Repo.Get(ctx, id)
	if err != nil {
		return export.Bundle{}, err
	}
	return export.Build(s)
}

// ExportLoRA writes the training directory for a completed set under
// dir/<set id> and returns that directory and the image count.
func (e Engine) ExportLoRA(ctx context.Context, id, dir string) (string, int, error) {
	b, err := e.Export(ctx, id)
	if err != nil {
		return "", 0, err
	}
	if e.Store == nil {
		return "", 0, fmt.Errorf("%w: no artifact store configured", domain.ErrPersistence)
	}
	out := filepath.Join(dir, b.SetID)
	n, err := export.WriteLoRA(ctx, b, e.Store, out, export.LoRAOptions{Caption: sdwebui.Prompt})
	if err != nil {
		return out, n, err
	}
	e.Logger.Info().Str("set_id", id).Int("images", n).Str("dir", out).Msg("lora dataset exported")
	return out, n, nil
}

// ExportBooth writes the Booth catalogue PDF and listing metadata for a
// completed set into dir and returns the PDF path.
func (e Engine) ExportBooth(ctx context.Context, id, dir string) (string, error) {
	b, err := e.Export(ctx, id)
	if err != nil {
		return "", err
	}
	if e.Store == nil {
		return "", fmt.Errorf("%w: no artifact store configured", domain.ErrPersistence)
	}
	out, err := export.WriteBooth(ctx, b, e.Store, dir, export.BoothOptions{FontPath: e.FontPath})
	if err != nil {
		return out, err
	}
	e.Logger.Info().Str("set_id", id).Str("pdf", out).Msg("booth catalogue exported")
	return out, nil
}

func (e Engine) Transitions(ctx context.Context, id string) ([]domain.Transition, error) {
	return e.Repo.ListTransitions(ctx, id)
}

func (e Engine) Checkpoint(ctx context.Context, id string) (gate.Awaiting, bool, error) {
	return e.Gate.Await(ctx, id)
}

func (e Engine) Events(ctx context.Context, after int64, limit int) ([]domain.Event, error) {
	return e.Repo.EventsAfter(ctx, after, limit)
}
