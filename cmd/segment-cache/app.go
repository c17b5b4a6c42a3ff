package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"go.opentelemetry.io/otel/trace"

	"github.com/wolfeidau/segment-cache/backend"
	"github.com/wolfeidau/segment-cache/catalog"
	"github.com/wolfeidau/segment-cache/config"
	"github.com/wolfeidau/segment-cache/coverart"
	"github.com/wolfeidau/segment-cache/credentials"
	"github.com/wolfeidau/segment-cache/encode"
	"github.com/wolfeidau/segment-cache/expiry"
	"github.com/wolfeidau/segment-cache/guard"
	"github.com/wolfeidau/segment-cache/journal"
	"github.com/wolfeidau/segment-cache/loghooks"
	"github.com/wolfeidau/segment-cache/overlay"
	"github.com/wolfeidau/segment-cache/pipeline"
	"github.com/wolfeidau/segment-cache/slot"
	"github.com/wolfeidau/segment-cache/telemetry"
)

const (
	locksDir    = "locks"
	journalFile = "journal.db"
)

// loadConfig reads the config file and resolves catalog credentials.
func loadConfig(ctx context.Context, g *Globals, logger *slog.Logger) (config.Config, error) {
	cfg, found, err := config.Load(g.Config)
	if err != nil {
		return config.Config{}, err
	}
	if !found {
		logger.Debug("config file not found, using defaults", "path", g.Config)
	}

	if cfg.Catalog.CredentialsFile != "" {
		creds, err := credentials.NewResolver(credentials.WithLogger(logger)).ResolveFile(ctx, cfg.Catalog.CredentialsFile)
		if err != nil {
			return config.Config{}, fmt.Errorf("catalog credentials: %w", err)
		}
		cfg.Catalog = creds.Apply(cfg.Catalog)
	}
	return cfg, nil
}

// app holds the wired components. Fields are nil when the command did not
// need them.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	tracer trace.TracerProvider

	cache   *slot.Cache
	guard   *guard.Guard
	journal *journal.Journal
	sweeper *expiry.Sweeper

	client   *catalog.Client
	catalog  *catalog.Catalog
	pipeline *pipeline.Pipeline
}

// openStore wires the cache, locks, journal and sweeper.
func openStore(cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	var err error
	a.cache, err = slot.New(cfg.Cache.Dir, cfg.Cache.TTL.Duration,
		slot.WithGrace(cfg.Cache.SupersededGrace.Duration),
		slot.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("opening slot cache: %w", err)
	}

	a.guard, err = guard.New(filepath.Join(cfg.Cache.Dir, locksDir), cfg.Builds.MaxConcurrent, guard.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("creating build guard: %w", err)
	}

	maxSize, err := cfg.Cache.MaxSizeBytes()
	if err != nil {
		return nil, err
	}
	a.sweeper = expiry.NewSweeper(a.cache, a.guard, expiry.Config{
		MaxSize:       maxSize,
		CheckInterval: cfg.Cache.SweepInterval.Duration,
		Logger:        logger,
	})

	return a, nil
}

// openJournal opens the build journal when enabled. Another process may
// hold it; required controls whether that is an error.
func (a *app) openJournal(required bool) error {
	if a.cfg.Cache.JournalEntries <= 0 {
		if required {
			return errors.New("build journal disabled (cache.journal_entries = 0)")
		}
		return nil
	}

	j, err := journal.Open(filepath.Join(a.cfg.Cache.Dir, journalFile),
		journal.WithLogger(a.logger),
		journal.WithMaxEntries(a.cfg.Cache.JournalEntries),
	)
	if err != nil {
		if required {
			return fmt.Errorf("%w (is the server running? try GET /builds)", err)
		}
		a.logger.Warn("build journal unavailable, builds will not be recorded", "error", err)
		return nil
	}
	a.journal = j
	return nil
}

// openPipeline wires the catalog client and the build pipeline.
func (a *app) openPipeline() error {
	cfg := a.cfg
	if cfg.Catalog.URL == "" {
		return errors.New("catalog.url is required")
	}

	a.client = catalog.NewClient(cfg.Catalog.URL, cfg.Catalog.User, cfg.Catalog.Password,
		catalog.WithAPIVersion(cfg.Catalog.APIVersion),
		catalog.WithClientID(cfg.Catalog.ClientID),
		catalog.WithHTTPClient(&http.Client{
			Timeout:   cfg.Catalog.Timeout.Duration,
			Transport: telemetry.NewInstrumentedTransport(nil, "subsonic"),
		}),
	)
	a.catalog = catalog.New(a.client,
		catalog.WithBaseURL(cfg.Server.BaseURL),
		catalog.WithSlotCount(cfg.Catalog.SlotCount),
		catalog.WithSelection(cfg.Catalog.Selection),
		catalog.WithLogger(a.logger),
	)

	fs, err := backend.NewFilesystem(cfg.Cache.Dir)
	if err != nil {
		return fmt.Errorf("opening cover store: %w", err)
	}
	fill, err := overlay.ParseHexColor(cfg.Render.FallbackColor)
	if err != nil {
		return err
	}
	covers := coverart.NewResolver(backend.NewInstrumented(fs, "covers"), a.client,
		cfg.Render.Width, cfg.Render.Height, fill,
		coverart.WithLogger(a.logger),
	)

	renderer, err := overlay.New(cfg.Render.Width, cfg.Render.Height,
		overlay.WithFontPath(cfg.Render.FontPath),
		overlay.WithLogger(a.logger),
	)
	if err != nil {
		return err
	}

	encoder := encode.NewInvoker(encode.ParamsFromConfig(cfg.Encode), encode.WithLogger(a.logger))

	var recorder loghooks.Recorder
	if a.journal != nil {
		recorder = a.journal
	}

	opts := []pipeline.Option{
		pipeline.WithHooks(loghooks.New(a.logger, recorder)),
		pipeline.WithLogger(a.logger),
	}
	if a.tracer != nil {
		opts = append(opts, pipeline.WithTracerProvider(a.tracer))
	}

	a.pipeline, err = pipeline.New(pipeline.Deps{
		Cache:    a.cache,
		Guard:    a.guard,
		Catalog:  a.catalog,
		Covers:   covers,
		Renderer: renderer,
		Encoder:  encoder,
	}, cfg.Builds.LockTimeout.Duration, opts...)
	return err
}

func (a *app) Close() error {
	if a.journal != nil {
		return a.journal.Close()
	}
	return nil
}
