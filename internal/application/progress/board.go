package progress

import (
	"sync"
	"time"

	"3tcapital/auditharvest/internal/core/harvest"
)

// PartitionView is the displayed state of one partition.
type PartitionView struct {
	Partition string `json:"partition"`
	Status    string `json:"status"`
	Events    uint64 `json:"events"`
	Resumed   bool   `json:"resumed"`
	Error     string `json:"error,omitempty"`
}

// Snapshot is a point-in-time copy of a run's progress.
type Snapshot struct {
	RunID          string          `json:"run_id"`
	Source         string          `json:"source"`
	StartedAt      time.Time       `json:"started_at"`
	ElapsedSeconds int64           `json:"elapsed_seconds"`
	Running        bool            `json:"running"`
	Stopping       bool            `json:"stopping"`
	Resumed        bool            `json:"resumed"`
	TotalEvents    uint64          `json:"total_events"`
	Completed      int             `json:"completed"`
	Failed         int             `json:"failed"`
	Interrupted    int             `json:"interrupted"`
	Partitions     []PartitionView `json:"partitions"`
}

// Board keeps the latest state of every partition. It is a coordinator
// subscriber and is safe to read from other goroutines.
type Board struct {
	mu         sync.RWMutex
	runID      string
	source     string
	order      []string
	views      map[string]*PartitionView
	startedAt  time.Time
	finishedAt time.Time
	running    bool
	stopping   bool
	now        func() time.Time
}

// NewBoard creates an empty board.
func NewBoard(runID, source string) *Board {
	return &Board{
		runID:  runID,
		source: source,
		views:  make(map[string]*PartitionView),
		now:    time.Now,
	}
}

func (b *Board) Start(partitions []string, startedAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.order = append([]string(nil), partitions...)
	b.views = make(map[string]*PartitionView, len(partitions))
	for _, p := range partitions {
		b.views[p] = &PartitionView{Partition: p, Status: harvest.StatusPending.String()}
	}
	b.startedAt = startedAt
	b.running = true
}

func (b *Board) Update(ev harvest.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.views[ev.Partition]
	if !ok {
		return
	}
	v.Status = ev.Status.String()
	v.Resumed = v.Resumed || ev.Resumed
	if ev.Events > v.Events {
		v.Events = ev.Events
	}
	if ev.Err != nil {
		v.Error = ev.Err.Error()
	}
}

func (b *Board) Finish(summary harvest.Summary) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for p, r := range summary.Partitions {
		if v, ok := b.views[p]; ok {
			v.Status = r.Status.String()
			v.Events = r.Events
		}
	}
	b.finishedAt = b.startedAt.Add(summary.Elapsed)
	b.running = false
}

// MarkStopping records that a stop was requested and workers are winding down.
func (b *Board) MarkStopping() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopping = true
}

// Snapshot copies the current state.
func (b *Board) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Snapshot{
		RunID:      b.runID,
		Source:     b.source,
		StartedAt:  b.startedAt,
		Running:    b.running,
		Stopping:   b.stopping,
		Partitions: make([]PartitionView, 0, len(b.order)),
	}
	if !b.startedAt.IsZero() {
		end := b.now()
		if !b.running && !b.finishedAt.IsZero() {
			end = b.finishedAt
		}
		s.ElapsedSeconds = int64(end.Sub(b.startedAt).Seconds())
	}
	for _, p := range b.order {
		v := *b.views[p]
		s.Partitions = append(s.Partitions, v)
		s.TotalEvents += v.Events
		s.Resumed = s.Resumed || v.Resumed
		switch v.Status {
		case harvest.StatusDone.String():
			s.Completed++
		case harvest.StatusFailed.String():
			s.Failed++
		case harvest.StatusInterrupted.String():
			s.Interrupted++
		}
	}
	return s
}
