package harvest

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"3tcapital/auditharvest/internal/core/harvest"
)

// DefaultGracePeriod is how long the coordinator waits for workers after a stop.
const DefaultGracePeriod = 10 * time.Second

// Subscriber receives the aggregate view of a run. All methods are called from
// the coordinator's single consumer goroutine and must not block.
type Subscriber interface {
	Start(partitions []string, startedAt time.Time)
	Update(event harvest.ProgressEvent)
	Finish(summary harvest.Summary)
}

// PartitionRunner drives one partition. *Worker implements it.
type PartitionRunner interface {
	Run(ctx context.Context, stop <-chan struct{}, emit func(harvest.ProgressEvent)) harvest.PartitionResult
}

// RunnerFactory builds the runner for a partition.
type RunnerFactory func(partition string) PartitionRunner

// CoordinatorConfig holds the fan-out settings.
type CoordinatorConfig struct {
	// MaxConcurrency caps simultaneously active partitions; 0 means unbounded.
	MaxConcurrency int
	GracePeriod    time.Duration
	Subscribers    []Subscriber
	Logger         *slog.Logger
}

// Coordinator runs one worker per partition and aggregates their progress.
type Coordinator struct {
	newRunner   RunnerFactory
	maxActive   int64
	grace       time.Duration
	subscribers []Subscriber
	log         *slog.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(newRunner RunnerFactory, cfg CoordinatorConfig) *Coordinator {
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		newRunner:   newRunner,
		maxActive:   int64(cfg.MaxConcurrency),
		grace:       grace,
		subscribers: cfg.Subscribers,
		log:         log,
	}
}

// Run drives every partition to a terminal state. Cancelling ctx is the stop
// signal: it is broadcast once to all workers, which then get GracePeriod to
// report before their I/O is aborted and they are recorded as interrupted.
func (c *Coordinator) Run(ctx context.Context, partitions []string) harvest.Summary {
	partitions = unique(partitions)
	startedAt := time.Now()

	summary := harvest.Summary{Partitions: make(map[string]harvest.PartitionResult, len(partitions))}
	for _, p := range partitions {
		summary.Partitions[p] = harvest.PartitionResult{Partition: p, Status: harvest.StatusPending}
	}
	for _, s := range c.subscribers {
		s.Start(partitions, startedAt)
	}

	stop := make(chan struct{})
	abandon := make(chan struct{})
	defer close(abandon)

	ioCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()

	events := make(chan harvest.ProgressEvent, 2*len(partitions)+1)
	emit := func(ev harvest.ProgressEvent) {
		select {
		case events <- ev:
		case <-abandon:
		}
	}

	var sem *semaphore.Weighted
	if c.maxActive > 0 {
		sem = semaphore.NewWeighted(c.maxActive)
	}

	c.log.Info("Harvest started", "partitions", len(partitions), "max_concurrency", c.maxActive)

	for _, p := range partitions {
		go func(partition string) {
			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					emit(harvest.ProgressEvent{Partition: partition, Status: harvest.StatusInterrupted, At: time.Now()})
					return
				}
				defer sem.Release(1)
				// Acquire may succeed on an already cancelled context.
				if ctx.Err() != nil {
					emit(harvest.ProgressEvent{Partition: partition, Status: harvest.StatusInterrupted, At: time.Now()})
					return
				}
			}
			c.newRunner(partition).Run(ioCtx, stop, emit)
		}(p)
	}

	remaining := len(partitions)
	done := ctx.Done()
	var grace <-chan time.Time

	for remaining > 0 {
		select {
		case ev := <-events:
			if c.apply(&summary, ev) {
				remaining--
			}

		case <-done:
			done = nil
			summary.Stopped = true
			close(stop)
			c.log.Info("Stop requested, waiting for workers", "pending", remaining, "grace_period", c.grace.String())
			grace = time.After(c.grace)

		case <-grace:
			abort()
			c.log.Warn("Grace period expired, aborting in-flight work", "pending", remaining)
			for _, p := range partitions {
				if !summary.Partitions[p].Status.Terminal() {
					c.apply(&summary, harvest.ProgressEvent{
						Partition: p,
						Status:    harvest.StatusInterrupted,
						Events:    summary.Partitions[p].Events,
						Resumed:   summary.Partitions[p].Resumed,
						At:        time.Now(),
					})
				}
			}
			remaining = 0
		}
	}

	summary.Elapsed = time.Since(startedAt)
	for _, r := range summary.Partitions {
		summary.TotalEvents += r.Events
		switch r.Status {
		case harvest.StatusDone:
			summary.Completed++
		case harvest.StatusFailed:
			summary.Failed++
		case harvest.StatusInterrupted:
			summary.Interrupted++
		}
	}

	for _, s := range c.subscribers {
		s.Finish(summary)
	}
	return summary
}

// apply folds one event into the summary and forwards it to subscribers. It
// reports whether the event was the partition's first terminal event. Events
// arriving after a partition is terminal are dropped.
func (c *Coordinator) apply(summary *harvest.Summary, ev harvest.ProgressEvent) bool {
	current, known := summary.Partitions[ev.Partition]
	if !known {
		c.log.Warn("Dropping event for unknown partition", "partition", ev.Partition)
		return false
	}
	if current.Status.Terminal() {
		c.log.Debug("Dropping event for finished partition", "partition", ev.Partition, "status", ev.Status.String())
		return false
	}

	current.Status = ev.Status
	current.Resumed = current.Resumed || ev.Resumed
	if ev.Events > current.Events {
		current.Events = ev.Events
	}
	if ev.Status.Terminal() {
		current.Err = ev.Err
	}
	summary.Partitions[ev.Partition] = current

	for _, s := range c.subscribers {
		s.Update(ev)
	}
	return ev.Status.Terminal()
}

func unique(partitions []string) []string {
	seen := make(map[string]struct{}, len(partitions))
	out := make([]string, 0, len(partitions))
	for _, p := range partitions {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
