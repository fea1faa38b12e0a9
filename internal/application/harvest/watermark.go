package harvest

import (
	"context"
	"time"

	"3tcapital/auditharvest/internal/core/harvest"
)

// newestRecord returns the latest timestamp among the stored artifacts of a
// partition, or the zero time when nothing dated is on disk.
func newestRecord(ctx context.Context, artifacts harvest.ArtifactStore, timer harvest.RecordTimer, source, partition string) (time.Time, error) {
	var newest time.Time
	err := artifacts.Scan(ctx, source, partition, func(rec harvest.Record) error {
		if ts, ok := timer.RecordTime(rec); ok && ts.After(newest) {
			newest = ts
		}
		return nil
	})
	if err != nil {
		return time.Time{}, &harvest.PersistError{Partition: partition, Op: "scan artifacts", Cause: err}
	}
	return newest, nil
}
