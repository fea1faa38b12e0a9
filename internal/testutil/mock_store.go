package testutil

import (
	"context"
	"sync"
	"time"

	"3tcapital/auditharvest/internal/core/harvest"
)

// MemoryCursorStore is an in-memory harvest.CursorStore that records every save.
type MemoryCursorStore struct {
	// LoadFunc, SaveFunc and ClearFunc override the default behaviour when set.
	LoadFunc  func(ctx context.Context, partition string) (harvest.Cursor, harvest.CursorState, error)
	SaveFunc  func(ctx context.Context, partition string, cursor harvest.Cursor) error
	ClearFunc func(ctx context.Context, partition string) error

	mu      sync.Mutex
	cursors map[string]harvest.Cursor
	saves   map[string][]harvest.Cursor
	cleared []string
}

// NewMemoryCursorStore creates an empty store.
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{
		cursors: make(map[string]harvest.Cursor),
		saves:   make(map[string][]harvest.Cursor),
	}
}

// Put seeds a cursor without recording a save.
func (s *MemoryCursorStore) Put(partition string, cursor harvest.Cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[partition] = cursor
}

// Get returns the stored cursor and whether one exists.
func (s *MemoryCursorStore) Get(partition string) (harvest.Cursor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[partition]
	return c, ok
}

// Saves returns every cursor saved for partition, in order.
func (s *MemoryCursorStore) Saves(partition string) []harvest.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]harvest.Cursor(nil), s.saves[partition]...)
}

// Cleared returns the partitions cleared so far.
func (s *MemoryCursorStore) Cleared() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cleared...)
}

func (s *MemoryCursorStore) Load(ctx context.Context, partition string) (harvest.Cursor, harvest.CursorState, error) {
	if s.LoadFunc != nil {
		return s.LoadFunc(ctx, partition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[partition]
	switch {
	case !ok:
		return harvest.Cursor{}, harvest.CursorFresh, nil
	case c.Exhausted():
		return c, harvest.CursorComplete, nil
	default:
		return c, harvest.CursorResume, nil
	}
}

func (s *MemoryCursorStore) Save(ctx context.Context, partition string, cursor harvest.Cursor) error {
	if s.SaveFunc != nil {
		if err := s.SaveFunc(ctx, partition, cursor); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[partition] = cursor
	s.saves[partition] = append(s.saves[partition], cursor)
	return nil
}

func (s *MemoryCursorStore) Clear(ctx context.Context, partition string) error {
	if s.ClearFunc != nil {
		if err := s.ClearFunc(ctx, partition); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, partition)
	s.cleared = append(s.cleared, partition)
	return nil
}

// StoredArtifact is one write captured by MemoryArtifactStore.
type StoredArtifact struct {
	Key     harvest.ArtifactKey
	Records []harvest.Record
}

// MemoryArtifactStore is an in-memory harvest.ArtifactStore.
type MemoryArtifactStore struct {
	WriteFunc func(ctx context.Context, key harvest.ArtifactKey, records []harvest.Record) error

	mu        sync.Mutex
	artifacts []StoredArtifact
}

// Artifacts returns the stored artifacts of a partition in write order.
func (s *MemoryArtifactStore) Artifacts(partition string) []StoredArtifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StoredArtifact
	for _, a := range s.artifacts {
		if a.Key.Partition == partition {
			out = append(out, a)
		}
	}
	return out
}

// Seed stores records as if written by an earlier session.
func (s *MemoryArtifactStore) Seed(source, partition string, records ...harvest.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts = append(s.artifacts, StoredArtifact{
		Key:     harvest.ArtifactKey{Source: source, Partition: partition, Session: time.Unix(0, 0).UTC()},
		Records: records,
	})
}

func (s *MemoryArtifactStore) Write(ctx context.Context, key harvest.ArtifactKey, records []harvest.Record) (string, error) {
	if s.WriteFunc != nil {
		if err := s.WriteFunc(ctx, key, records); err != nil {
			return "", err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts = append(s.artifacts, StoredArtifact{Key: key, Records: append([]harvest.Record(nil), records...)})
	return key.Partition, nil
}

func (s *MemoryArtifactStore) Scan(ctx context.Context, source, partition string, fn func(harvest.Record) error) error {
	s.mu.Lock()
	var records []harvest.Record
	for _, a := range s.artifacts {
		if a.Key.Source == source && a.Key.Partition == partition {
			records = append(records, a.Records...)
		}
	}
	s.mu.Unlock()

	for _, rec := range records {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryArtifactStore) Remove(ctx context.Context, source, partition string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.artifacts[:0]
	removed := 0
	for _, a := range s.artifacts {
		if a.Key.Source == source && a.Key.Partition == partition {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	s.artifacts = kept
	return removed, nil
}

// RecordingSubscriber captures everything a coordinator reports.
type RecordingSubscriber struct {
	mu         sync.Mutex
	partitions []string
	events     []harvest.ProgressEvent
	summary    *harvest.Summary
}

func (r *RecordingSubscriber) Start(partitions []string, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.partitions = append([]string(nil), partitions...)
}

func (r *RecordingSubscriber) Update(ev harvest.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *RecordingSubscriber) Finish(summary harvest.Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary = &summary
}

// Events returns the events delivered for partition, or all events when partition is empty.
func (r *RecordingSubscriber) Events(partition string) []harvest.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []harvest.ProgressEvent
	for _, ev := range r.events {
		if partition == "" || ev.Partition == partition {
			out = append(out, ev)
		}
	}
	return out
}

// Summary returns the final summary, or nil before Finish.
func (r *RecordingSubscriber) Summary() *harvest.Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

var (
	_ harvest.CursorStore   = (*MemoryCursorStore)(nil)
	_ harvest.ArtifactStore = (*MemoryArtifactStore)(nil)
)
