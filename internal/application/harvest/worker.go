package harvest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"3tcapital/auditharvest/internal/core/harvest"
)

// WorkerConfig carries everything a partition worker needs. It is built once
// per partition by the Harvester; nothing is read from ambient state.
type WorkerConfig struct {
	Partition string
	Account   string
	Session   time.Time
	Provider  harvest.Provider
	Cursors   harvest.CursorStore
	Artifacts harvest.ArtifactStore
	PageSize  int
	// RateLimit is the maximum requests per second for this partition; 0 disables it.
	RateLimit float64
	From      time.Time
	// Update resumes fresh partitions after the newest record already on disk.
	Update bool
	Logger *slog.Logger
}

// Worker drives one partition from its stored cursor to end-of-stream.
type Worker struct {
	cfg WorkerConfig
	log *slog.Logger
}

// NewWorker creates a worker for one partition.
func NewWorker(cfg WorkerConfig) *Worker {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		cfg: cfg,
		log: log.With("partition", cfg.Partition),
	}
}

// Run executes the partition state machine. ctx bounds in-flight I/O and is
// only cancelled when the coordinator gives up waiting; stop is the
// cooperative cancellation signal, checked before each page and after each
// fetch. Exactly one terminal event is emitted.
func (w *Worker) Run(ctx context.Context, stop <-chan struct{}, emit func(harvest.ProgressEvent)) harvest.PartitionResult {
	partition := w.cfg.Partition
	result := harvest.PartitionResult{Partition: partition}

	finish := func(status harvest.Status, err error) harvest.PartitionResult {
		result.Status = status
		result.Err = err
		emit(harvest.ProgressEvent{
			Partition: partition,
			Status:    status,
			Events:    result.Events,
			Resumed:   result.Resumed,
			Err:       err,
			At:        time.Now(),
		})
		return result
	}

	if stopped(stop) {
		return finish(harvest.StatusInterrupted, nil)
	}

	// INIT
	cursor, state, err := w.cfg.Cursors.Load(ctx, partition)
	if err != nil {
		var corrupt *harvest.CursorCorruptionError
		if !errors.As(err, &corrupt) {
			w.log.Error("Failed to load cursor", "error", err)
			return finish(harvest.StatusFailed, &harvest.PersistError{Partition: partition, Op: "load cursor", Cause: err})
		}
		w.log.Warn("Cursor record is corrupt, treating partition as complete",
			"error", err,
			"location", corrupt.Location,
			"integrity", "unverified",
		)
		state = harvest.CursorComplete
	}
	result.Events = cursor.DownloadedEvents

	switch state {
	case harvest.CursorComplete:
		w.log.Info("Partition already complete", "downloaded_events", cursor.DownloadedEvents)
		return finish(harvest.StatusDone, nil)
	case harvest.CursorResume:
		result.Resumed = true
		w.log.Info("Resuming partition", "downloaded_events", cursor.DownloadedEvents)
	default:
		cursor = harvest.Cursor{}
		result.Events = 0
	}

	fetcher, err := w.openFetcher(ctx, state)
	if err != nil {
		w.log.Error("Failed to open provider session", "error", err)
		return finish(harvest.StatusFailed, &harvest.FetchError{Partition: partition, Cause: err})
	}

	emit(harvest.ProgressEvent{
		Partition: partition,
		Status:    harvest.StatusActive,
		Events:    result.Events,
		Resumed:   result.Resumed,
		At:        time.Now(),
	})

	for {
		if stopped(stop) {
			w.log.Info("Partition interrupted", "downloaded_events", cursor.DownloadedEvents)
			return finish(harvest.StatusInterrupted, nil)
		}

		// FETCHING
		page, err := fetcher.Fetch(ctx, cursor)
		if stopped(stop) {
			w.log.Info("Partition interrupted, abandoning in-flight page", "downloaded_events", cursor.DownloadedEvents)
			return finish(harvest.StatusInterrupted, nil)
		}
		if err != nil {
			w.log.Error("Failed to fetch page", "error", err, "downloaded_events", cursor.DownloadedEvents)
			return finish(harvest.StatusFailed, err)
		}

		next := harvest.Cursor{NextToken: page.NextToken, DownloadedEvents: cursor.DownloadedEvents}

		// PERSISTING: artifact first, cursor second.
		if len(page.Records) > 0 {
			key := harvest.ArtifactKey{
				Account:   w.cfg.Account,
				Source:    w.cfg.Provider.Source(),
				Partition: partition,
				Session:   w.cfg.Session,
				Offset:    cursor.DownloadedEvents,
			}
			if _, err := w.cfg.Artifacts.Write(ctx, key, page.Records); err != nil {
				w.log.Error("Failed to write artifact", "error", err, "offset", key.Offset)
				return finish(harvest.StatusFailed, &harvest.PersistError{Partition: partition, Op: "artifact", Cause: err})
			}
			next.DownloadedEvents += uint64(len(page.Records))
		}

		if err := w.cfg.Cursors.Save(ctx, partition, next); err != nil {
			w.log.Error("Failed to save cursor", "error", err, "downloaded_events", next.DownloadedEvents)
			return finish(harvest.StatusFailed, &harvest.PersistError{Partition: partition, Op: "cursor", Cause: err})
		}
		cursor = next
		result.Events = cursor.DownloadedEvents

		if cursor.Exhausted() {
			w.log.Info("Partition complete", "downloaded_events", cursor.DownloadedEvents)
			return finish(harvest.StatusDone, nil)
		}

		if len(page.Records) > 0 {
			emit(harvest.ProgressEvent{
				Partition: partition,
				Status:    harvest.StatusActive,
				Events:    cursor.DownloadedEvents,
				Resumed:   result.Resumed,
				At:        time.Now(),
			})
		}
	}
}

// openFetcher opens the provider session and applies the lower time bound.
func (w *Worker) openFetcher(ctx context.Context, state harvest.CursorState) (*PageFetcher, error) {
	from := w.cfg.From
	var timer harvest.RecordTimer
	var after time.Time

	if w.cfg.Update && state == harvest.CursorFresh {
		if t, ok := w.cfg.Provider.(harvest.RecordTimer); ok {
			newest, err := newestRecord(ctx, w.cfg.Artifacts, t, w.cfg.Provider.Source(), w.cfg.Partition)
			if err != nil {
				return nil, err
			}
			if !newest.IsZero() {
				w.log.Info("Updating after newest stored record", "newest", newest.Format(time.RFC3339))
				timer, after = t, newest
				if newest.After(from) {
					from = newest
				}
			}
		} else {
			w.log.Warn("Provider cannot date records, update mode ignored", "source", w.cfg.Provider.Source())
		}
	}

	session, err := w.cfg.Provider.NewFetcher(ctx, w.cfg.Partition, harvest.FetchOptions{From: from})
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if w.cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(w.cfg.RateLimit), 1)
	}
	return NewPageFetcher(w.cfg.Partition, session, w.cfg.PageSize, limiter, timer, after), nil
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
