package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"3tcapital/auditharvest/internal/core/harvest"
	"3tcapital/auditharvest/internal/testutil"
)

type fakeRow struct {
	token      *string
	downloaded int64
	err        error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(**string) = r.token
	*dest[1].(*int64) = r.downloaded
	return nil
}

type fakeDB struct {
	row      fakeRow
	execErr  error
	queries  []string
	execSQL  []string
	execArgs [][]any
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, args)
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	f.queries = append(f.queries, sql)
	return f.row
}

func TestStore_Load(t *testing.T) {
	token := "T1"
	empty := ""
	tests := []struct {
		name        string
		row         fakeRow
		wantState   harvest.CursorState
		wantEvents  uint64
		wantErr     bool
		wantCorrupt bool
	}{
		{name: "no row is fresh", row: fakeRow{err: pgx.ErrNoRows}, wantState: harvest.CursorFresh},
		{name: "token resumes", row: fakeRow{token: &token, downloaded: 50}, wantState: harvest.CursorResume, wantEvents: 50},
		{name: "null token is complete", row: fakeRow{downloaded: 110}, wantState: harvest.CursorComplete, wantEvents: 110},
		{name: "empty token is complete", row: fakeRow{token: &empty, downloaded: 3}, wantState: harvest.CursorComplete, wantEvents: 3},
		{name: "negative count is corrupt", row: fakeRow{token: &token, downloaded: -1}, wantState: harvest.CursorComplete, wantErr: true, wantCorrupt: true},
		{name: "query failure", row: fakeRow{err: errors.New("connection reset")}, wantState: harvest.CursorFresh, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewStore(&fakeDB{row: tt.row}, "harvest_cursors", "default", "CloudTrail", testutil.NewNullLogger())

			cursor, state, err := store.Load(context.Background(), "us-east-1")
			if state != tt.wantState {
				t.Errorf("expected state %s, got %s", tt.wantState, state)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("unexpected error: %v", err)
			}
			var corrupt *harvest.CursorCorruptionError
			if errors.As(err, &corrupt) != tt.wantCorrupt {
				t.Errorf("corruption mismatch: %v", err)
			}
			if !tt.wantErr && cursor.DownloadedEvents != tt.wantEvents {
				t.Errorf("expected %d events, got %d", tt.wantEvents, cursor.DownloadedEvents)
			}
		})
	}
}

func TestStore_SaveUsesSingleUpsert(t *testing.T) {
	db := &fakeDB{}
	store := NewStore(db, "audit.cursors", "prod", "Reports", nil)

	if err := store.Save(context.Background(), "login", harvest.Cursor{NextToken: testutil.Token("T2"), DownloadedEvents: 100}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(db.execSQL) != 1 {
		t.Fatalf("expected exactly one statement, got %d", len(db.execSQL))
	}
	sql := db.execSQL[0]
	if !strings.Contains(sql, `INSERT INTO "audit"."cursors"`) || !strings.Contains(sql, "ON CONFLICT") {
		t.Errorf("unexpected statement %s", sql)
	}
	args := db.execArgs[0]
	if args[0] != "prod" || args[1] != "Reports" || args[2] != "login" || *(args[3].(*string)) != "T2" || args[4] != int64(100) {
		t.Errorf("unexpected args %v", args)
	}
}

func TestStore_SaveAndClearErrors(t *testing.T) {
	db := &fakeDB{execErr: errors.New("read-only transaction")}
	store := NewStore(db, "cursors", "default", "CloudTrail", testutil.NewNullLogger())

	if err := store.Save(context.Background(), "p", harvest.Cursor{}); err == nil {
		t.Error("expected save error")
	}
	if err := store.Clear(context.Background(), "p"); err == nil {
		t.Error("expected clear error")
	}
}

func TestStore_Clear(t *testing.T) {
	db := &fakeDB{}
	store := NewStore(db, "cursors", "default", "CloudTrail", testutil.NewNullLogger())
	if err := store.Clear(context.Background(), "us-east-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if !strings.HasPrefix(db.execSQL[0], `DELETE FROM "cursors"`) {
		t.Errorf("unexpected statement %s", db.execSQL[0])
	}
}
