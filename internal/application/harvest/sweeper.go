package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"3tcapital/auditharvest/internal/core/harvest"
)

const clearAttempts = 3

// Sweeper removes resume state once a run has harvested every partition.
type Sweeper struct {
	cursors harvest.CursorStore
	log     *slog.Logger
}

// NewSweeper creates a sweeper over a cursor store.
func NewSweeper(cursors harvest.CursorStore, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{cursors: cursors, log: log}
}

// Sweep clears the cursor of every partition when, and only when, all of them
// reached end-of-stream and the run was not stopped. It reports whether the
// sweep happened.
func (s *Sweeper) Sweep(ctx context.Context, summary harvest.Summary) (bool, error) {
	if !summary.AllDone() {
		s.log.Info("Keeping resume state, run incomplete",
			"completed", summary.Completed,
			"failed", summary.Failed,
			"interrupted", summary.Interrupted,
			"stopped", summary.Stopped,
		)
		return false, nil
	}

	remaining := make([]string, 0, len(summary.Partitions))
	for partition := range summary.Partitions {
		remaining = append(remaining, partition)
	}
	sort.Strings(remaining)

	// A cursor left behind would mark its partition complete on the next
	// run while the cleared ones start over, so failed clears are retried.
	var errs []error
	for attempt := 1; attempt <= clearAttempts && len(remaining) > 0; attempt++ {
		errs = errs[:0]
		var failed []string
		for _, partition := range remaining {
			if err := s.cursors.Clear(ctx, partition); err != nil {
				failed = append(failed, partition)
				errs = append(errs, fmt.Errorf("clear cursor %s: %w", partition, err))
			}
		}
		remaining = failed
	}
	if err := errors.Join(errs...); err != nil {
		s.log.Error("Resume state partially cleared, remove the listed cursors before the next run",
			"partitions", remaining,
			"error", err,
		)
		return false, err
	}

	s.log.Info("Resume state cleared", "partitions", len(summary.Partitions))
	return true, nil
}
