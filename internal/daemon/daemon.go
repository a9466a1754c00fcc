// Package daemon wires the cabinet together: configuration, local
// state, the relational store, the assistant platform, the
// orchestrator, chat channels, background workers, and the HTTP API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cabinet-labs/cabinet/internal/catalog"
	"github.com/cabinet-labs/cabinet/internal/channel/matrix"
	"github.com/cabinet-labs/cabinet/internal/orchestrator"
	"github.com/cabinet-labs/cabinet/internal/platform/anthropic"
	"github.com/cabinet-labs/cabinet/internal/platform/openai"
	"github.com/cabinet-labs/cabinet/internal/store"
	"github.com/cabinet-labs/cabinet/internal/store/postgres"
	"github.com/cabinet-labs/cabinet/pkg/journal"
	"github.com/cabinet-labs/cabinet/pkg/platform"
	"github.com/cabinet-labs/cabinet/pkg/recall"
	"github.com/cabinet-labs/cabinet/pkg/roster"
	"github.com/cabinet-labs/cabinet/pkg/state"
)

// Recall depends on Postgres and the embedding service, which come up
// on their own schedule in a compose stack.
const (
	recallRetryAttempts = 20
	recallRetryInterval = 30 * time.Second
)

// Daemon is the long-running cabinet process.
type Daemon struct {
	config *Config

	roster *roster.Roster
	orch   *orchestrator.Orchestrator
	events *EventBus

	stateStore *state.Store
	db         *postgres.Store
	catalog    *catalog.Catalog
	journal    *journal.Worker
	matrix     *matrix.Channel

	recallMu    sync.RWMutex
	recallStore *recall.Store
	tei         *recall.TEIClient

	startTime time.Time
	healthy   bool
}

// New assembles a Daemon from configuration. Optional subsystems that
// fail to come up are logged and skipped; the office still answers
// without them.
func New(ctx context.Context, cfg *Config) (*Daemon, error) {
	if len(cfg.Assistants) == 0 {
		return nil, fmt.Errorf("no assistants configured")
	}

	assistants := make([]roster.Assistant, len(cfg.Assistants))
	for i, a := range cfg.Assistants {
		assistants[i] = a.Assistant
	}
	ros, err := roster.New(assistants)
	if err != nil {
		return nil, fmt.Errorf("build roster: %w", err)
	}
	routes, err := roster.NewRoutes(cfg.Routing, ros)
	if err != nil {
		return nil, fmt.Errorf("build routing: %w", err)
	}

	d := &Daemon{
		config: cfg,
		roster: ros,
		events: NewEventBus(),
	}

	// Local state keeps conversation bindings across restarts.
	var kv state.KV
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		slog.Warn("data dir unavailable", "dir", cfg.DataDir, "error", err)
	} else if st, err := state.Open(filepath.Join(cfg.DataDir, "cabinet.db")); err != nil {
		slog.Warn("state store unavailable, conversations will not survive restarts", "error", err)
	} else {
		d.stateStore = st
		kv = st.KV()
	}

	backend, err := buildPlatform(cfg, kv)
	if err != nil {
		d.closeStores()
		return nil, err
	}

	// The relational store is optional. Without it the office still
	// chats, it just keeps no records.
	var st store.Store = store.Nop{}
	var data store.DataStore
	if cfg.Store.PostgresURL != "" {
		pg, err := postgres.New(ctx, cfg.Store.PostgresURL)
		if err != nil {
			slog.Warn("postgres unavailable, running without persistence", "error", err)
		} else if err := pg.Init(ctx); err != nil {
			pg.Close()
			slog.Warn("postgres schema init failed, running without persistence", "error", err)
		} else {
			d.db = pg
			st = pg
			data = pg
		}
	}

	if cfg.Catalog.Path != "" {
		cat, err := catalog.Load(cfg.Catalog.Path)
		if err != nil {
			slog.Warn("project catalog unavailable", "path", cfg.Catalog.Path, "error", err)
		} else {
			d.catalog = cat
		}
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Roster:       ros,
		Routes:       routes,
		Platform:     backend,
		Store:        st,
		Data:         data,
		Catalog:      d.catalog,
		KV:           kv,
		PollInterval: parseDuration(cfg.Ask.PollInterval, 0),
		MaxWait:      parseDuration(cfg.Ask.MaxWait, 0),
	})
	if err != nil {
		d.closeStores()
		return nil, err
	}
	d.orch = orch

	if !cfg.Journal.Disabled {
		save := func(ctx context.Context, day, summary string) error {
			return st.UpsertDailySummary(ctx, store.DailySummary{Day: day, Summary: summary})
		}
		emit := func(typ, message string) {
			d.events.Publish(EventJournal, "", message)
		}
		d.journal = journal.NewWorker(orch.Ask, save, emit, journal.Config{
			Interval:     parseDuration(cfg.Journal.Interval, 0),
			InitialDelay: parseDuration(cfg.Journal.InitialDelay, 0),
		})
	}

	if cfg.Matrix.Enabled {
		d.matrix = matrix.New(matrix.Config{
			Homeserver:   cfg.Matrix.Homeserver,
			UserID:       cfg.Matrix.UserID,
			Password:     cfg.Matrix.Password,
			ServerName:   cfg.Matrix.ServerName,
			AllowedUsers: cfg.Matrix.AllowedUsers,
			DataDir:      cfg.Matrix.DataDir,
		})
	}

	return d, nil
}

// buildPlatform selects the assistant backend from configuration.
func buildPlatform(cfg *Config, kv state.KV) (platform.Conversations, error) {
	switch cfg.Platform.Backend {
	case "", "openai":
		key := cfg.Platform.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		if key == "" {
			return nil, fmt.Errorf("openai backend needs an API key (platform.api_key or OPENAI_API_KEY)")
		}
		return openai.New(key, kv), nil

	case "anthropic":
		key := cfg.Platform.APIKey
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		if key == "" {
			return nil, fmt.Errorf("anthropic backend needs an API key (platform.api_key or ANTHROPIC_API_KEY)")
		}
		defs := make([]anthropic.AssistantDef, 0, len(cfg.Assistants))
		for _, a := range cfg.Assistants {
			defs = append(defs, anthropic.AssistantDef{
				ID:        a.ID,
				Model:     a.Model,
				System:    a.System,
				MaxTokens: a.MaxTokens,
			})
		}
		return anthropic.New(key, defs), nil

	default:
		return nil, fmt.Errorf("unknown platform backend %q (want openai or anthropic)", cfg.Platform.Backend)
	}
}

// Run starts every subsystem and blocks until the context ends or the
// chat channel fails.
func (d *Daemon) Run(ctx context.Context) error {
	d.startTime = time.Now()
	slog.Info("cabinet daemon starting",
		"name", d.config.Name,
		"platform", d.config.Platform.Backend,
		"assistants", d.roster.Len(),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go d.serveAPI(ctx)

	if d.config.Recall.Enabled {
		go d.runRecall(ctx)
	}
	if d.journal != nil {
		go d.journal.Run(ctx)
	}

	d.events.Publish(EventStatus, "", "cabinet daemon started")

	errCh := make(chan error, 1)
	if d.matrix != nil {
		go func() {
			errCh <- d.matrix.Start(ctx, d.channelHandler(d.matrix))
		}()
	} else {
		slog.Info("no chat channel configured, serving HTTP API only")
	}

	// Mark healthy once startup settles.
	go func() {
		select {
		case <-time.After(2 * time.Second):
			d.healthy = true
		case <-ctx.Done():
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("matrix channel failed", "error", err)
			runErr = fmt.Errorf("matrix channel: %w", err)
		}
	}

	d.shutdown()
	return runErr
}

func (d *Daemon) shutdown() {
	d.healthy = false
	if d.matrix != nil {
		if err := d.matrix.Stop(); err != nil {
			slog.Warn("matrix stop", "error", err)
		}
	}
	d.recallMu.Lock()
	if d.recallStore != nil {
		d.recallStore.Close()
		d.recallStore = nil
	}
	d.recallMu.Unlock()
	d.closeStores()
	slog.Info("cabinet daemon stopped")
}

func (d *Daemon) closeStores() {
	if d.db != nil {
		d.db.Close()
	}
	if d.catalog != nil {
		d.catalog.Close()
	}
	if d.stateStore != nil {
		d.stateStore.Close()
	}
}

// runRecall brings semantic recall online, retrying while Postgres and
// the embedding service are still starting, then runs the sync worker
// until the context ends.
func (d *Daemon) runRecall(ctx context.Context) {
	cfg := d.config.Recall
	if cfg.TEIURL == "" || cfg.PostgresURL == "" {
		slog.Warn("recall enabled but tei_url or postgres_url missing, skipping")
		return
	}

	for attempt := 1; attempt <= recallRetryAttempts; attempt++ {
		rs, tei, err := d.tryRecall(ctx)
		if err == nil {
			d.recallMu.Lock()
			d.recallStore = rs
			d.tei = tei
			d.recallMu.Unlock()
			slog.Info("semantic recall online", "tei", cfg.TEIURL)
			d.events.Publish(EventStatus, "", "semantic recall online")

			recall.NewWorker(rs, tei, parseDuration(cfg.SyncInterval, 0), cfg.BatchSize).Run(ctx)
			return
		}
		slog.Warn("recall not ready", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(recallRetryInterval):
		}
	}
	slog.Error("recall initialization failed, continuing without it")
}

func (d *Daemon) tryRecall(ctx context.Context) (*recall.Store, *recall.TEIClient, error) {
	tei := recall.NewTEIClient(d.config.Recall.TEIURL)
	if err := tei.Health(ctx); err != nil {
		return nil, nil, fmt.Errorf("tei health: %w", err)
	}
	rs, err := recall.NewStore(ctx, d.config.Recall.PostgresURL)
	if err != nil {
		return nil, nil, err
	}
	if err := rs.Init(ctx); err != nil {
		rs.Close()
		return nil, nil, err
	}
	return rs, tei, nil
}

// recallReady returns the recall handles once the subsystem is online.
func (d *Daemon) recallReady() (*recall.Store, *recall.TEIClient, bool) {
	d.recallMu.RLock()
	defer d.recallMu.RUnlock()
	return d.recallStore, d.tei, d.recallStore != nil
}

// Orchestrator exposes the office to front ends that run in-process,
// like the CLI.
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator {
	return d.orch
}

// Close releases the daemon's stores without running it. Run performs
// its own shutdown; Close is for one-shot front ends.
func (d *Daemon) Close() {
	d.closeStores()
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("bad duration in config, using default", "value", s)
		return fallback
	}
	return dur
}
