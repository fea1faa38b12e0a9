package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"3tcapital/auditharvest/internal/core/harvest"
	"3tcapital/auditharvest/internal/infrastructure/database"
)

// DB is the subset of *pgxpool.Pool used by the store.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements harvest.CursorStore using one row per partition.
// Rows are scoped by namespace and source so several harvests can share a table.
type Store struct {
	db        DB
	table     string
	namespace string
	source    string
	log       *slog.Logger

	loadSQL  string
	saveSQL  string
	clearSQL string
}

// NewStore creates a cursor store over table. The table name is quoted, so it
// may come from configuration.
func NewStore(db DB, table, namespace, source string, log *slog.Logger) *Store {
	quoted := database.QuoteTable(table)
	return &Store{
		db:        db,
		table:     table,
		namespace: namespace,
		source:    source,
		log:       log,
		loadSQL: `SELECT next_token, downloaded_events FROM ` + quoted +
			` WHERE namespace = $1 AND source = $2 AND partition_id = $3`,
		saveSQL: `INSERT INTO ` + quoted + ` (namespace, source, partition_id, next_token, downloaded_events, updated_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (namespace, source, partition_id)
			DO UPDATE SET next_token = EXCLUDED.next_token,
			              downloaded_events = EXCLUDED.downloaded_events,
			              updated_at = EXCLUDED.updated_at`,
		clearSQL: `DELETE FROM ` + quoted + ` WHERE namespace = $1 AND source = $2 AND partition_id = $3`,
	}
}

func (s *Store) location(partition string) string {
	return fmt.Sprintf("%s[%s/%s/%s]", s.table, s.namespace, s.source, partition)
}

// Load reads the partition's row. A missing row is a fresh partition.
func (s *Store) Load(ctx context.Context, partition string) (harvest.Cursor, harvest.CursorState, error) {
	var token *string
	var downloaded int64

	err := s.db.QueryRow(ctx, s.loadSQL, s.namespace, s.source, partition).Scan(&token, &downloaded)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.Cursor{}, harvest.CursorFresh, nil
	}
	if err != nil {
		return harvest.Cursor{}, harvest.CursorFresh, fmt.Errorf("query cursor %s: %w", partition, err)
	}

	if downloaded < 0 {
		return harvest.Cursor{}, harvest.CursorComplete, &harvest.CursorCorruptionError{
			Partition: partition,
			Location:  s.location(partition),
			Cause:     fmt.Errorf("negative downloaded_events %d", downloaded),
		}
	}

	cursor := harvest.Cursor{DownloadedEvents: uint64(downloaded)}
	if token == nil || *token == "" {
		return cursor, harvest.CursorComplete, nil
	}
	cursor.NextToken = token
	return cursor, harvest.CursorResume, nil
}

// Save upserts the cursor in a single statement.
func (s *Store) Save(ctx context.Context, partition string, cursor harvest.Cursor) error {
	if _, err := s.db.Exec(ctx, s.saveSQL, s.namespace, s.source, partition, cursor.NextToken, int64(cursor.DownloadedEvents)); err != nil {
		if s.log != nil {
			s.log.Error("Failed to save cursor", "partition", partition, "error", err)
		}
		return fmt.Errorf("upsert cursor %s: %w", partition, err)
	}
	return nil
}

// Clear deletes the partition's row. Deleting a missing row is not an error.
func (s *Store) Clear(ctx context.Context, partition string) error {
	tag, err := s.db.Exec(ctx, s.clearSQL, s.namespace, s.source, partition)
	if err != nil {
		return fmt.Errorf("delete cursor %s: %w", partition, err)
	}
	if s.log != nil {
		s.log.Debug("Cursor cleared", "partition", partition, "rows", tag.RowsAffected())
	}
	return nil
}

var _ harvest.CursorStore = (*Store)(nil)
