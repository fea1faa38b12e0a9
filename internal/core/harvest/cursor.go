package harvest

import "context"

// Cursor is the durable resume position of a partition.
// A nil NextToken after persistence means the partition is exhausted.
type Cursor struct {
	NextToken        *string `json:"NextToken,omitempty"`
	DownloadedEvents uint64  `json:"DownloadedEvents"`
}

// Exhausted reports whether the cursor marks the end of the partition.
func (c Cursor) Exhausted() bool {
	return c.NextToken == nil
}

// Token returns the next-page token or an empty string.
func (c Cursor) Token() string {
	if c.NextToken == nil {
		return ""
	}
	return *c.NextToken
}

// CursorState classifies what a CursorStore found for a partition.
type CursorState int

const (
	// CursorFresh means no usable record exists; start from the beginning.
	CursorFresh CursorState = iota
	// CursorResume means a record with a next-page token exists.
	CursorResume
	// CursorComplete means the partition already reached end-of-stream
	// (or its record is corrupt and is treated as done).
	CursorComplete
)

func (s CursorState) String() string {
	switch s {
	case CursorFresh:
		return "fresh"
	case CursorResume:
		return "resume"
	case CursorComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// CursorStore persists one Cursor per partition.
type CursorStore interface {
	// Load returns the stored cursor and its classification. A corrupt record
	// yields CursorComplete together with a *CursorCorruptionError.
	Load(ctx context.Context, partition string) (Cursor, CursorState, error)

	// Save replaces the partition's cursor. It must never leave a torn record
	// that could be read back as a valid completed cursor.
	Save(ctx context.Context, partition string, cursor Cursor) error

	// Clear removes the partition's cursor. Clearing a missing cursor is not an error.
	Clear(ctx context.Context, partition string) error
}
