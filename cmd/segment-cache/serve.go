package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/segment-cache/server"
	"github.com/wolfeidau/segment-cache/telemetry"
)

// ServeCmd runs the HTTP server and the background sweeper.
type ServeCmd struct {
	Address       string        `help:"Listen address, overrides server.address."`
	NoSweep       bool          `help:"Do not run the background expiry sweep."`
	ShutdownGrace time.Duration `help:"How long in-flight requests get on shutdown." default:"10s"`
	DrainTimeout  time.Duration `help:"How long running builds get to finish on shutdown before they are cancelled." default:"2m"`
}

func (c *ServeCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx, g, logger)
	if err != nil {
		return err
	}
	if c.Address != "" {
		cfg.Server.Address = c.Address
	}

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      cfg.Telemetry.ServiceName,
		ServiceVersion:   version,
		OTLPEndpoint:     cfg.Telemetry.OTLPEndpoint,
		EnablePrometheus: cfg.Telemetry.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(sctx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	tracer, shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("initialising tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	a, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	a.tracer = tracer

	if err := a.openJournal(false); err != nil {
		return err
	}
	if err := a.openPipeline(); err != nil {
		return err
	}

	// An unreachable catalog is not fatal; POST /refresh retries.
	if _, err := a.catalog.Refresh(ctx); err != nil {
		logger.Error("initial catalog load failed, serving without slots", "error", err)
	}

	deps := server.Deps{
		Cache:   a.cache,
		Builder: a.pipeline,
		Catalog: a.catalog,
		Stats:   a.sweeper,
		Load:    a.guard,
	}
	if a.journal != nil {
		deps.History = a.journal
	}

	srv, err := server.New(server.Config{
		Address:    cfg.Server.Address,
		BaseURL:    cfg.Server.BaseURL,
		AdminToken: cfg.Server.AdminToken,
		Logger:     logger,
	}, deps)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	g2, gctx := errgroup.WithContext(ctx)

	g2.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if !c.NoSweep {
		logger.Info("starting expiry sweeper",
			"ttl", cfg.Cache.TTL.Duration,
			"max_size", cfg.Cache.MaxSize,
			"interval", cfg.Cache.SweepInterval.Duration,
		)
		if err := a.sweeper.Start(gctx); err != nil {
			return fmt.Errorf("starting sweeper: %w", err)
		}
	}

	g2.Go(func() error {
		<-gctx.Done()
		a.sweeper.Stop()

		sctx, cancel := context.WithTimeout(context.Background(), c.ShutdownGrace)
		defer cancel()
		serr := srv.Shutdown(sctx)

		// builds detach from their requests, so they are drained separately
		dctx, dcancel := context.WithTimeout(context.Background(), c.DrainTimeout)
		defer dcancel()
		logger.Info("draining builds", "timeout", c.DrainTimeout)
		if err := a.pipeline.Close(dctx); err != nil {
			logger.Warn("builds cancelled at drain timeout", "error", err)
		}
		return serr
	})

	logger.Info("server started",
		"address", srv.Address(),
		"metadata_url", cfg.Server.BaseURL+"/metadata.json",
		"playlist_url", cfg.Server.BaseURL+"/0001.m3u8",
	)

	return g2.Wait()
}
