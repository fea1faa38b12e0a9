package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"3tcapital/auditharvest/internal/core/harvest"
	"3tcapital/auditharvest/internal/infrastructure/fsutil"
)

const resumeSuffix = "_resume.json"

// Store keeps one <partition>_resume.json file per partition in a directory.
type Store struct {
	dir string
	log *slog.Logger
}

// NewStore creates a file-backed cursor store rooted at dir.
func NewStore(dir string, log *slog.Logger) *Store {
	return &Store{dir: dir, log: log}
}

// storedCursor mirrors the on-disk layout. Pointers distinguish absent keys.
type storedCursor struct {
	NextToken        *string `json:"NextToken"`
	DownloadedEvents *int64  `json:"DownloadedEvents"`
}

// Path returns the resume file location for a partition.
func (s *Store) Path(partition string) string {
	return filepath.Join(s.dir, harvest.FileSafe(partition)+resumeSuffix)
}

// Load reads the partition's resume file.
func (s *Store) Load(_ context.Context, partition string) (harvest.Cursor, harvest.CursorState, error) {
	path := s.Path(partition)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return harvest.Cursor{}, harvest.CursorFresh, nil
		}
		return harvest.Cursor{}, harvest.CursorFresh, fmt.Errorf("read cursor %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return harvest.Cursor{}, harvest.CursorFresh, nil
	}

	var stored storedCursor
	if err := json.Unmarshal(data, &stored); err != nil {
		return harvest.Cursor{}, harvest.CursorComplete, &harvest.CursorCorruptionError{Partition: partition, Location: path, Cause: err}
	}

	var cursor harvest.Cursor
	if stored.DownloadedEvents != nil {
		if *stored.DownloadedEvents < 0 {
			return harvest.Cursor{}, harvest.CursorComplete, &harvest.CursorCorruptionError{
				Partition: partition,
				Location:  path,
				Cause:     fmt.Errorf("negative DownloadedEvents %d", *stored.DownloadedEvents),
			}
		}
		cursor.DownloadedEvents = uint64(*stored.DownloadedEvents)
	}

	if stored.NextToken == nil || *stored.NextToken == "" {
		return cursor, harvest.CursorComplete, nil
	}
	token := *stored.NextToken
	cursor.NextToken = &token

	if s.log != nil {
		s.log.Debug("Cursor loaded", "partition", partition, "downloaded_events", cursor.DownloadedEvents, "path", path)
	}
	return cursor, harvest.CursorResume, nil
}

// Save atomically replaces the partition's resume file.
func (s *Store) Save(_ context.Context, partition string, cursor harvest.Cursor) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create cursor dir: %w", err)
	}
	data, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}
	path := s.Path(partition)
	err = fsutil.WriteFileAtomic(path, 0o644, func(w io.Writer) error {
		_, werr := w.Write(data)
		return werr
	})
	if err != nil {
		return fmt.Errorf("write cursor %s: %w", path, err)
	}
	return nil
}

// Clear removes the partition's resume file.
func (s *Store) Clear(_ context.Context, partition string) error {
	path := s.Path(partition)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove cursor %s: %w", path, err)
	}
	return nil
}

var _ harvest.CursorStore = (*Store)(nil)
