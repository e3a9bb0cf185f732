// Package app wires a workspace into a running pipeline: config, database,
// Job Store, gateways, orchestrator, runner, gate and notifier.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"stampline/internal/compose"
	"stampline/internal/config"
	"stampline/internal/db"
	"stampline/internal/engine"
	"stampline/internal/gate"
	"stampline/internal/gateway"
	"stampline/internal/gateway/cutout"
	"stampline/internal/gateway/gemini"
	"stampline/internal/gateway/rembg"
	"stampline/internal/gateway/sdwebui"
	"stampline/internal/gateway/synthetic"
	"stampline/internal/migrate"
	"stampline/internal/notify"
	"stampline/internal/orchestrator"
	"stampline/internal/repo"
	"stampline/internal/storage"
)

// Options carry what does not belong in stampline.yml.
type Options struct {
	Workspace    string
	Config       *config.Config
	Logger       zerolog.Logger
	GeminiAPIKey string
	// Async makes the engine hand work to the runner instead of advancing inline.
	Async bool
}

type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Logger    zerolog.Logger
}

// Open builds the full stack for a workspace. Callers own Close.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load(opts.Workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger

	dbCfg := db.Config{Workspace: opts.Workspace, Driver: cfg.Database.Driver, DSN: cfg.Database.DSN}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn, dbCfg.Dialect()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.New(conn, dbCfg.Dialect(), repo.Limits{
		MaxConcepts: cfg.Pipeline.ConceptCount,
		MaxPhrases:  cfg.Pipeline.PhraseCount,
		MaxSamples:  cfg.Pipeline.SampleCount,
	})

	store, err := storage.NewFileStore(StorageDir(opts.Workspace, cfg))
	if err != nil {
		conn.Close()
		return nil, err
	}
	gws, err := BuildGateways(cfg, opts.GeminiAPIKey, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	var composer *compose.Composer
	if cfg.Compose.Enabled {
		if composer, err = compose.New(cfg.Compose.FontPath); err != nil {
			conn.Close()
			return nil, err
		}
	}
	orch := &orchestrator.Orchestrator{
		Repo:     r,
		Gateways: gws,
		Store:    store,
		Caller: gateway.Caller{
			Policy: gateway.Policy{
				MaxAttempts:     cfg.Retry.MaxAttempts,
				InitialInterval: cfg.Retry.InitialInterval,
				MaxInterval:     cfg.Retry.MaxInterval,
			},
			Logger: logger,
		},
		Config: orchestrator.Config{
			ConceptCount:  cfg.Pipeline.ConceptCount,
			PhraseCount:   cfg.Pipeline.PhraseCount,
			SampleCount:   cfg.Pipeline.SampleCount,
			FullBatchSize: cfg.Pipeline.FullBatchSize,
			Concurrency:   cfg.Pipeline.Concurrency,
			TextTimeout:   cfg.Timeouts.Text,
			RenderTimeout: cfg.Timeouts.Render,
			StripTimeout:  cfg.Timeouts.Strip,
		},
		Logger: logger,
	}
	if composer != nil {
		orch.Composer = composer
	}
	eng := engine.Engine{
		Repo:     r,
		Orch:     orch,
		Runner:   orchestrator.NewRunner(orch, cfg.Runner.Workers, logger),
		Gate:     gate.Gate{Repo: r, Logger: logger},
		Store:    store,
		FontPath: cfg.Compose.FontPath,
		Logger:   logger,
		Async:    opts.Async,
	}
	return &App{Workspace: opts.Workspace, Config: cfg, DB: conn, Engine: eng, Logger: logger}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// StorageDir resolves storage.dir against the workspace.
func StorageDir(workspace string, cfg *config.Config) string {
	dir := cfg.Storage.Dir
	if dir == "" {
		dir = "output"
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(workspace, dir)
}

// BuildGateways instantiates the adapters selected in config.
func BuildGateways(cfg *config.Config, geminiKey string, logger zerolog.Logger) (gateway.Set, error) {
	var set gateway.Set
	g := cfg.Gateways
	switch g.Text {
	case config.GatewayGemini:
		client, err := gemini.NewClient(gemini.Options{
			APIKey:       geminiKey,
			BaseURL:      g.Gemini.BaseURL,
			Model:        g.Gemini.Model,
			ConceptCount: cfg.Pipeline.ConceptCount,
			PhraseCount:  cfg.Pipeline.PhraseCount,
			Logger:       logger,
		})
		if err != nil {
			return set, fmt.Errorf("%w (set GEMINI_API_KEY)", err)
		}
		set.Text = client
	default:
		set.Text = synthetic.Text{ConceptCount: cfg.Pipeline.ConceptCount, PhraseCount: cfg.Pipeline.PhraseCount}
	}
	switch g.Render {
	case config.GatewaySDWebUI:
		set.Render = sdwebui.NewClient(sdwebui.Options{
			BaseURL:        g.SDWebUI.BaseURL,
			Width:          g.SDWebUI.Width,
			Height:         g.SDWebUI.Height,
			Steps:          g.SDWebUI.Steps,
			CFGScale:       g.SDWebUI.CFGScale,
			Sampler:        g.SDWebUI.Sampler,
			NegativePrompt: g.SDWebUI.NegativePrompt,
			Logger:         logger,
		})
	default:
		set.Render = synthetic.Render{Width: g.SDWebUI.Width, Height: g.SDWebUI.Height}
	}
	switch g.Strip {
	case config.GatewayRembg:
		set.Strip = rembg.NewClient(g.Rembg.BaseURL, &http.Client{Timeout: cfg.Timeouts.Strip + 5*time.Second})
	default:
		// synthetic renders sit on a flat background, which the cutout keys away
		set.Strip = cutout.Stripper{Tolerance: 24}
	}
	if set.Text == nil || set.Render == nil || set.Strip == nil {
		return set, fmt.Errorf("gateways not configured: %s", strings.Join([]string{g.Text, g.Render, g.Strip}, "/"))
	}
	return set, nil
}

// Subscriptions maps notify config onto sinks. The log sink is always on.
func Subscriptions(cfg *config.Config, logger zerolog.Logger) []notify.Subscription {
	subs := []notify.Subscription{{Sink: notify.LogSink{Logger: logger}}}
	for _, hook := range cfg.Notify.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		sink := notify.NewWebhookSink(hook.URL, hook.Secret, time.Duration(hook.TimeoutSeconds)*time.Second)
		subs = append(subs, notify.Subscription{Sink: sink, Events: hook.Events})
	}
	if cfg.Notify.AMQP.URL != "" {
		subs = append(subs, notify.Subscription{Sink: notify.NewAMQPSink(cfg.Notify.AMQP.URL, cfg.Notify.AMQP.Exchange)})
	}
	return subs
}

// Dispatcher returns the outbox dispatcher for the configured sinks.
func (a *App) Dispatcher() *notify.Dispatcher {
	return &notify.Dispatcher{
		Source:        a.Engine.Repo,
		Subscriptions: Subscriptions(a.Config, a.Logger),
		Interval:      a.Config.Notify.PollInterval,
		Logger:        a.Logger,
	}
}

// Run starts the runner, re-enqueues interrupted sets and drains the outbox
// until ctx is done.
func (a *App) Run(ctx context.Context) error {
	runner := a.Engine.Runner
	runner.Start(ctx)
	if _, err := runner.Resume(ctx); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	dispatcher := a.Dispatcher()
	done := make(chan struct{})
	go func() {
		defer close(done)
		dispatcher.Run(ctx)
	}()
	<-ctx.Done()
	runner.Wait()
	<-done
	for _, sub := range dispatcher.Subscriptions {
		if c, ok := sub.Sink.(interface{ Close() error }); ok {
			c.Close()
		}
	}
	return nil
}
