package harvest

import (
	"context"
	"time"
)

// ArtifactKey identifies one output artifact: a page of a partition.
type ArtifactKey struct {
	Account   string
	Source    string
	Partition string
	Session   time.Time
	// Offset is the number of events persisted for the partition before this page.
	Offset uint64
}

// ArtifactStore writes immutable output artifacts.
type ArtifactStore interface {
	// Write durably persists records under key and returns the artifact location.
	// An artifact is either fully present or absent after a crash.
	Write(ctx context.Context, key ArtifactKey, records []Record) (string, error)

	// Scan calls fn for every record already persisted for the partition.
	Scan(ctx context.Context, source, partition string, fn func(Record) error) error

	// Remove deletes every artifact of the partition.
	Remove(ctx context.Context, source, partition string) (int, error)
}
