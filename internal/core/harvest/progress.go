package harvest

import "time"

// Status is the lifecycle state of a partition within a run.
type Status int

const (
	StatusPending Status = iota
	StatusActive
	StatusDone
	StatusFailed
	StatusInterrupted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusActive:
		return "ACTIVE"
	case StatusDone:
		return "DONE"
	case StatusFailed:
		return "FAILED"
	case StatusInterrupted:
		return "INTERRUPTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further events follow this status.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusInterrupted
}

// ProgressEvent is emitted by a partition worker. Each partition emits exactly
// one terminal event per run.
type ProgressEvent struct {
	Partition string
	Status    Status
	Events    uint64
	Resumed   bool
	Err       error
	At        time.Time
}

// PartitionResult is the final state of one partition.
type PartitionResult struct {
	Partition string
	Status    Status
	Events    uint64
	Resumed   bool
	Err       error
}

// Summary aggregates a whole run.
type Summary struct {
	TotalEvents uint64
	Completed   int
	Failed      int
	Interrupted int
	// Stopped is set when the run ended because of a stop signal.
	Stopped    bool
	Partitions map[string]PartitionResult
	Elapsed    time.Duration
}

// AllDone reports whether every partition reached end-of-stream. A run
// without partitions harvested nothing and is never done.
func (s Summary) AllDone() bool {
	if len(s.Partitions) == 0 || s.Stopped || s.Failed > 0 || s.Interrupted > 0 {
		return false
	}
	for _, p := range s.Partitions {
		if p.Status != StatusDone {
			return false
		}
	}
	return true
}
