package harvest

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"3tcapital/auditharvest/internal/core/harvest"
)

// DefaultPageSize bounds every provider request.
const DefaultPageSize = 50

// PageFetcher pulls normalized pages for one partition on top of a provider session.
type PageFetcher struct {
	partition string
	session   harvest.PageFetcher
	pageSize  int
	limiter   *rate.Limiter
	timer     harvest.RecordTimer
	after     time.Time
}

// NewPageFetcher wraps a provider session. A nil limiter means no client-side
// rate limit. When after is non-zero and timer is set, records at or before
// after are dropped.
func NewPageFetcher(partition string, session harvest.PageFetcher, pageSize int, limiter *rate.Limiter, timer harvest.RecordTimer, after time.Time) *PageFetcher {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &PageFetcher{
		partition: partition,
		session:   session,
		pageSize:  pageSize,
		limiter:   limiter,
		timer:     timer,
		after:     after,
	}
}

// Fetch requests the page that follows cursor. Errors are *harvest.FetchError.
func (f *PageFetcher) Fetch(ctx context.Context, cursor harvest.Cursor) (harvest.Page, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return harvest.Page{}, &harvest.FetchError{Partition: f.partition, Cause: err}
		}
	}

	page, err := f.session.FetchPage(ctx, cursor.NextToken, f.pageSize)
	if err != nil {
		return harvest.Page{}, &harvest.FetchError{Partition: f.partition, Cause: err}
	}

	if page.NextToken != nil && *page.NextToken == "" {
		page.NextToken = nil
	}
	if len(page.Records) == 0 && page.NextToken != nil && cursor.NextToken != nil && *page.NextToken == *cursor.NextToken {
		return harvest.Page{}, &harvest.FetchError{
			Partition: f.partition,
			Cause:     errors.New("pagination did not advance: provider returned the same token with no records"),
		}
	}

	if !f.after.IsZero() && f.timer != nil {
		page.Records = f.dropSeen(page.Records)
	}
	return page, nil
}

func (f *PageFetcher) dropSeen(records []harvest.Record) []harvest.Record {
	kept := records[:0:0]
	for _, rec := range records {
		if ts, ok := f.timer.RecordTime(rec); ok && !ts.After(f.after) {
			continue
		}
		kept = append(kept, rec)
	}
	return kept
}

// PageSize reports the bounded request size.
func (f *PageFetcher) PageSize() int {
	return f.pageSize
}
