package harvest

import (
	"context"
	"encoding/json"
	"time"
)

// Record is one raw provider event, kept as the provider returned it.
type Record = json.RawMessage

// Page is one batch of records plus the continuation token.
// NextToken is nil when the partition is exhausted.
type Page struct {
	Records   []Record
	NextToken *string
}

// FetchOptions narrows what a PageFetcher returns.
type FetchOptions struct {
	// From, when non-zero, excludes records older than this instant.
	From time.Time
}

// PageFetcher pulls pages for a single partition. Implementations hold their
// own provider session and are never shared between partitions.
type PageFetcher interface {
	FetchPage(ctx context.Context, token *string, pageSize int) (Page, error)
}

// Provider is a cloud audit-log backend.
type Provider interface {
	// Source is the label used in artifact names (e.g. "CloudTrail").
	Source() string

	// AccountID resolves the identity of the account being harvested.
	AccountID(ctx context.Context) (string, error)

	// ListPartitions enumerates the independently paginated units of work.
	ListPartitions(ctx context.Context) ([]string, error)

	// NewFetcher opens a dedicated session for one partition.
	NewFetcher(ctx context.Context, partition string, opts FetchOptions) (PageFetcher, error)

	// MaxPageSize is the largest page the provider accepts.
	MaxPageSize() int
}

// RecordTimer extracts the event time of a record. Providers implement it to
// support incremental (update) runs.
type RecordTimer interface {
	RecordTime(record Record) (time.Time, bool)
}
