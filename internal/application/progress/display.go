package progress

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gosuri/uilive"

	"3tcapital/auditharvest/internal/core/harvest"
)

const (
	ansiBold  = "\x1b[1m"
	ansiReset = "\x1b[0m"
	ansiRed   = "\x1b[31m"
	ansiGreen = "\x1b[32m"
	ansiAmber = "\x1b[33m"
)

// DefaultRefresh is the live view redraw interval.
const DefaultRefresh = 250 * time.Millisecond

// Display redraws a Board in place on a terminal. Lines end with "\r\n" since
// the terminal is in raw mode while the display runs.
type Display struct {
	live    *uilive.Writer
	board   *Board
	title   string
	refresh time.Duration

	mu sync.Mutex
}

// NewDisplay creates a live view of board.
func NewDisplay(w io.Writer, board *Board, title string, refresh time.Duration) *Display {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	live := uilive.New()
	live.Out = w
	return &Display{live: live, board: board, title: title, refresh: refresh}
}

// Run redraws until ctx is done, then draws the final frame.
func (d *Display) Run(ctx context.Context) {
	ticker := time.NewTicker(d.refresh)
	defer ticker.Stop()

	d.Render()
	for {
		select {
		case <-ctx.Done():
			d.Render()
			return
		case <-ticker.C:
			d.Render()
		}
	}
}

// Render draws the current snapshot over the previous frame.
func (d *Display) Render() {
	frame := d.frame(d.board.Snapshot())

	d.mu.Lock()
	defer d.mu.Unlock()

	var b strings.Builder
	for _, line := range frame {
		b.WriteString("\r")
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	_, _ = io.WriteString(d.live, b.String())
	_ = d.live.Flush()
}

func (d *Display) frame(s Snapshot) []string {
	header := fmt.Sprintf("%s%s%s", ansiBold, d.title, ansiReset)
	status := fmt.Sprintf("Elapsed: %ds", s.ElapsedSeconds)
	if s.Resumed {
		status = "RESUMED DOWNLOAD - " + status
	}
	switch {
	case s.Stopping && s.Running:
		status += " - Exiting..."
	case s.Running:
		status += " - Press q to quit"
	}

	lines := []string{header, status}
	for _, p := range s.Partitions {
		lines = append(lines, " "+partitionLine(p))
	}
	return lines
}

func partitionLine(p PartitionView) string {
	switch p.Status {
	case harvest.StatusDone.String():
		return fmt.Sprintf("%s%s: DONE%s (%d events)", ansiGreen+ansiBold, p.Partition, ansiReset, p.Events)
	case harvest.StatusFailed.String():
		return fmt.Sprintf("%s%s: FAILED%s (%d events) %s", ansiRed+ansiBold, p.Partition, ansiReset, p.Events, p.Error)
	case harvest.StatusInterrupted.String():
		return fmt.Sprintf("%s%s: INTERRUPTED%s (%d events)", ansiAmber, p.Partition, ansiReset, p.Events)
	default:
		return fmt.Sprintf("%s: %d events", p.Partition, p.Events)
	}
}

// SummaryLine is the final report printed once the run ends.
func SummaryLine(summary harvest.Summary) string {
	return fmt.Sprintf("Total logs downloaded: %d. Total time: %d seconds.",
		summary.TotalEvents, int64(summary.Elapsed.Seconds()))
}
