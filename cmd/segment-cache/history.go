package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/wolfeidau/segment-cache/journal"
)

// HistoryCmd prints the build journal. The journal is locked while a server
// runs; GET /builds serves the same data then.
type HistoryCmd struct {
	Limit int    `help:"Number of entries to show." default:"20"`
	Slot  string `help:"Only show builds of this slot."`
	Stats bool   `help:"Show totals per outcome instead of entries."`
}

func (c *HistoryCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()

	cfg, err := loadConfig(ctx, g, logger)
	if err != nil {
		return err
	}
	a := &app{cfg: cfg, logger: logger}
	if err := a.openJournal(true); err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if c.Stats {
		stats, err := a.journal.Stats(ctx)
		if err != nil {
			return err
		}
		writeHistoryStats(os.Stdout, stats)
		return nil
	}

	var entries []journal.Entry
	if c.Slot != "" {
		entries, err = a.journal.ForKey(ctx, c.Slot, c.Limit)
	} else {
		entries, err = a.journal.Recent(ctx, c.Limit)
	}
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stdout, "no builds recorded")
		return nil
	}
	writeHistory(os.Stdout, entries)
	return nil
}

func writeHistory(w io.Writer, entries []journal.Entry) {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		detail := e.Error
		if detail == "" {
			detail = e.CoverOrigin
		}
		if len(detail) > 60 {
			detail = detail[:57] + "..."
		}
		size := "-"
		if e.Bytes > 0 {
			size = humanize.Bytes(uint64(e.Bytes))
		}
		exit := "-"
		if e.ExitCode != 0 {
			exit = strconv.Itoa(e.ExitCode)
		}
		rows = append(rows, []string{
			strconv.FormatUint(e.ID, 10),
			e.Key,
			e.Outcome,
			formatAge(e.Started),
			e.Duration.Round(time.Millisecond).String(),
			e.LockWait.Round(time.Millisecond).String(),
			size,
			exit,
			detail,
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"ID", "Slot", "Outcome", "Started", "Took", "Lock wait", "Size", "Exit", "Detail"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft},
	))
}

func writeHistoryStats(w io.Writer, stats journal.Stats) {
	rows := make([][]string, 0, len(stats.ByOutcome))
	for _, name := range stats.Outcomes() {
		rows = append(rows, []string{name, formatCount(stats.ByOutcome[name])})
	}
	fmt.Fprintln(w, renderTable([]string{"Outcome", "Builds"}, rows, []columnAlignment{alignLeft, alignRight}))
	fmt.Fprintf(w, "entries: %s  bytes: %s  avg duration: %s  last: %s\n",
		formatCount(stats.Entries),
		humanize.Bytes(uint64(stats.Bytes)),
		stats.AvgDuration.Round(time.Millisecond),
		formatAge(stats.LastStarted),
	)
}
