package harvest

import "fmt"

// EnumerationError means the partition list could not be obtained. It aborts the run.
type EnumerationError struct {
	Source string
	Cause  error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("enumerate %s partitions: %v", e.Source, e.Cause)
}

func (e *EnumerationError) Unwrap() error { return e.Cause }

// FetchError is a partition-scoped provider failure.
type FetchError struct {
	Partition string
	Cause     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch page for %s: %v", e.Partition, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// PersistError is a partition-scoped failure writing an artifact or a cursor.
type PersistError struct {
	Partition string
	Op        string
	Cause     error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s for %s: %v", e.Op, e.Partition, e.Cause)
}

func (e *PersistError) Unwrap() error { return e.Cause }

// CursorCorruptionError reports an unreadable cursor record. The partition is
// treated as already complete.
type CursorCorruptionError struct {
	Partition string
	Location  string
	Cause     error
}

func (e *CursorCorruptionError) Error() string {
	return fmt.Sprintf("corrupt cursor for %s at %s: %v", e.Partition, e.Location, e.Cause)
}

func (e *CursorCorruptionError) Unwrap() error { return e.Cause }
