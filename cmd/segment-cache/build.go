package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/wolfeidau/segment-cache/pipeline"
)

// BuildCmd builds slots from the command line, sharing locks with a running
// server.
type BuildCmd struct {
	Keys  []string `arg:"" help:"Slot keys to build, e.g. 0001." name:"slot"`
	Force bool     `help:"Rebuild even when a fresh generation exists."`
}

type buildRow struct {
	key     string
	state   string
	elapsed time.Duration
	gen     string
	bytes   int64
	err     error
}

func (c *BuildCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx, g, logger)
	if err != nil {
		return err
	}

	a, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if err := a.openJournal(false); err != nil {
		return err
	}
	if err := a.openPipeline(); err != nil {
		return err
	}
	if _, err := a.catalog.Refresh(ctx); err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}

	rows := make([]buildRow, 0, len(c.Keys))
	failed := 0
	for _, key := range c.Keys {
		start := time.Now()
		var ready *pipeline.Ready
		if c.Force {
			ready, err = a.pipeline.Refresh(ctx, key)
		} else {
			ready, err = a.pipeline.EnsureReady(ctx, key)
		}
		row := buildRow{key: key, elapsed: time.Since(start), err: err}
		if err != nil {
			failed++
		} else {
			row.state = string(ready.State)
			if ready.Entry != nil {
				row.gen = ready.Entry.Generation
				row.bytes = ready.Entry.Bytes
			}
		}
		rows = append(rows, row)
		if ctx.Err() != nil {
			break
		}
	}

	// an interrupted build is cancelled here so its encoder does not outlive us
	if err := a.pipeline.Close(ctx); err != nil {
		logger.Warn("cancelled unfinished builds", "error", err)
	}

	fmt.Fprintln(os.Stdout, renderBuildRows(rows))

	if failed > 0 {
		return fmt.Errorf("%d of %d builds failed", failed, len(c.Keys))
	}
	return nil
}

func renderBuildRows(rows []buildRow) string {
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		result := r.state
		if r.err != nil {
			result = "error: " + r.err.Error()
		}
		size := "-"
		if r.bytes > 0 {
			size = humanize.Bytes(uint64(r.bytes))
		}
		gen := r.gen
		if gen == "" {
			gen = "-"
		}
		out = append(out, []string{
			r.key,
			result,
			gen,
			size,
			r.elapsed.Round(time.Millisecond).String(),
		})
	}
	return renderTable(
		[]string{"Slot", "Result", "Generation", "Size", "Took"},
		out,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight},
	)
}

func formatCount(n int) string {
	return humanize.Comma(int64(n))
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}
