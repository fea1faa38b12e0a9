package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"3tcapital/auditharvest/internal/core/harvest"
)

// Options configures a harvest run.
type Options struct {
	Provider    harvest.Provider
	Cursors     harvest.CursorStore
	Artifacts   harvest.ArtifactStore
	Subscribers []Subscriber
	Logger      *slog.Logger

	PageSize       int
	MaxConcurrency int
	RateLimit      float64
	GracePeriod    time.Duration

	// Partitions narrows the enumerated set. Empty or "all" keeps everything.
	Partitions []string
	From       time.Time
	Update     bool
	Overwrite  bool

	// Now stamps the session; defaults to time.Now.
	Now   func() time.Time
	RunID string
}

// Harvester runs one harvest: enumerate, fan out, sweep.
type Harvester struct {
	opts  Options
	runID string
	log   *slog.Logger
}

// New validates opts and creates a harvester.
func New(opts Options) (*Harvester, error) {
	if opts.Provider == nil {
		return nil, errors.New("harvest: provider is required")
	}
	if opts.Cursors == nil {
		return nil, errors.New("harvest: cursor store is required")
	}
	if opts.Artifacts == nil {
		return nil, errors.New("harvest: artifact store is required")
	}
	if opts.PageSize < 0 || opts.MaxConcurrency < 0 || opts.RateLimit < 0 {
		return nil, errors.New("harvest: page size, concurrency and rate limit must not be negative")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Harvester{
		opts:  opts,
		runID: runID,
		log:   log.With("run_id", runID, "source", opts.Provider.Source()),
	}, nil
}

// RunID identifies this run in logs and forwarded progress.
func (h *Harvester) RunID() string {
	return h.runID
}

// Run executes the harvest. Only enumeration and reset failures are returned
// as errors; partition failures are reported in the summary.
func (h *Harvester) Run(ctx context.Context) (harvest.Summary, error) {
	provider := h.opts.Provider
	source := provider.Source()

	account, err := provider.AccountID(ctx)
	if err != nil {
		return harvest.Summary{}, &harvest.EnumerationError{Source: source, Cause: fmt.Errorf("account id: %w", err)}
	}

	available, err := provider.ListPartitions(ctx)
	if err != nil {
		return harvest.Summary{}, &harvest.EnumerationError{Source: source, Cause: err}
	}

	partitions := h.selectPartitions(available)
	h.log.Info("Partitions selected",
		"account", account,
		"available", len(available),
		"selected", len(partitions),
	)

	if h.opts.Overwrite {
		if err := h.reset(ctx, partitions); err != nil {
			return harvest.Summary{}, err
		}
	}

	pageSize := h.pageSize()
	session := h.opts.Now().UTC()

	coordinator := NewCoordinator(func(partition string) PartitionRunner {
		return NewWorker(WorkerConfig{
			Partition: partition,
			Account:   account,
			Session:   session,
			Provider:  provider,
			Cursors:   h.opts.Cursors,
			Artifacts: h.opts.Artifacts,
			PageSize:  pageSize,
			RateLimit: h.opts.RateLimit,
			From:      h.opts.From,
			Update:    h.opts.Update,
			Logger:    h.log,
		})
	}, CoordinatorConfig{
		MaxConcurrency: h.opts.MaxConcurrency,
		GracePeriod:    h.opts.GracePeriod,
		Subscribers:    h.opts.Subscribers,
		Logger:         h.log,
	})

	summary := coordinator.Run(ctx, partitions)

	// Sweep I/O must complete even though ctx may already be cancelled.
	swept, err := NewSweeper(h.opts.Cursors, h.log).Sweep(context.WithoutCancel(ctx), summary)
	if err != nil {
		h.log.Warn("Failed to clear resume state", "error", err)
	}

	h.log.Info("Harvest finished",
		"total_events", summary.TotalEvents,
		"completed", summary.Completed,
		"failed", summary.Failed,
		"interrupted", summary.Interrupted,
		"stopped", summary.Stopped,
		"swept", swept,
		"elapsed_seconds", int64(summary.Elapsed.Seconds()),
	)
	for _, r := range summary.Partitions {
		if r.Status == harvest.StatusFailed {
			h.log.Error("Partition failed", "partition", r.Partition, "events", r.Events, "error", r.Err)
		}
	}
	return summary, nil
}

// selectPartitions applies the operator filter, preserving provider order.
func (h *Harvester) selectPartitions(available []string) []string {
	filter := make(map[string]bool)
	for _, p := range h.opts.Partitions {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.EqualFold(p, "all") {
			return available
		}
		filter[p] = false
	}
	if len(filter) == 0 {
		return available
	}

	var selected []string
	for _, p := range available {
		if _, ok := filter[p]; ok {
			filter[p] = true
			selected = append(selected, p)
		}
	}
	for name, found := range filter {
		if !found {
			h.log.Warn("Ignoring unknown partition", "partition", name)
		}
	}
	return selected
}

// reset clears cursors and artifacts of the selected partitions before any worker starts.
func (h *Harvester) reset(ctx context.Context, partitions []string) error {
	source := h.opts.Provider.Source()
	for _, p := range partitions {
		if err := h.opts.Cursors.Clear(ctx, p); err != nil {
			return &harvest.PersistError{Partition: p, Op: "clear cursor", Cause: err}
		}
		removed, err := h.opts.Artifacts.Remove(ctx, source, p)
		if err != nil {
			return &harvest.PersistError{Partition: p, Op: "remove artifacts", Cause: err}
		}
		h.log.Info("Partition reset", "partition", p, "artifacts_removed", removed)
	}
	return nil
}

func (h *Harvester) pageSize() int {
	size := h.opts.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	if limit := h.opts.Provider.MaxPageSize(); limit > 0 && size > limit {
		size = limit
	}
	return size
}
