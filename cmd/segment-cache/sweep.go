package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/wolfeidau/segment-cache/expiry"
)

// SweepCmd runs one expiry pass and prints what it removed.
type SweepCmd struct {
	OlderThan time.Duration `help:"Remove every slot older than this, ignoring the TTL." placeholder:"DURATION"`
	Stats     bool          `help:"Print cache statistics after the sweep."`
}

func (c *SweepCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()

	cfg, err := loadConfig(ctx, g, logger)
	if err != nil {
		return err
	}
	a, err := openStore(cfg, logger)
	if err != nil {
		return err
	}

	var result *expiry.Result
	if c.OlderThan > 0 {
		result = a.sweeper.ForceExpire(ctx, c.OlderThan)
	} else {
		result = a.sweeper.RunOnce(ctx)
	}

	fmt.Fprintln(os.Stdout, renderTable(
		[]string{"Expired", "Evicted", "Retired", "Purged", "Skipped", "Errors", "Freed", "Took"},
		[][]string{{
			formatCount(result.Expired),
			formatCount(result.Evicted),
			formatCount(result.Retired),
			formatCount(result.Purged),
			formatCount(result.Skipped),
			formatCount(result.Errors),
			humanize.Bytes(uint64(result.BytesFreed)),
			result.Duration.Round(time.Millisecond).String(),
		}},
		[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight},
	))

	if c.Stats {
		stats, err := a.sweeper.GetStats(ctx)
		if err != nil {
			return fmt.Errorf("reading cache stats: %w", err)
		}
		fmt.Fprintln(os.Stdout, renderTable(
			[]string{"Slots", "Fresh", "Size", "Oldest", "Newest"},
			[][]string{{
				formatCount(stats.Slots),
				formatCount(stats.Fresh),
				humanize.Bytes(uint64(stats.TotalSize)),
				formatAge(stats.OldestSlot),
				formatAge(stats.NewestSlot),
			}},
			[]columnAlignment{alignRight, alignRight, alignRight, alignLeft, alignLeft},
		))
	}

	if result.Errors > 0 {
		return fmt.Errorf("sweep finished with %d errors", result.Errors)
	}
	return nil
}
