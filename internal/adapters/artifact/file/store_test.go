package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"3tcapital/auditharvest/internal/core/harvest"
	"3tcapital/auditharvest/internal/testutil"
)

var session = time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC)

func records(n int) []harvest.Record {
	out := make([]harvest.Record, n)
	for i := range out {
		out[i] = harvest.Record(`{"eventID": "e` + string(rune('a'+i)) + `"}`)
	}
	return out
}

func TestStore_Name(t *testing.T) {
	gz, _ := NewStore(t.TempDir(), FormatGzip, nil)
	nd, _ := NewStore(t.TempDir(), FormatNDJSON, nil)
	key := harvest.ArtifactKey{Account: "123456789012", Source: "CloudTrail", Partition: "us-east-1", Session: session, Offset: 50}

	if got := gz.Name(key); got != "123456789012_CloudTrail_us-east-1_20240309T140506Z_50.json.gz" {
		t.Errorf("unexpected gzip name %s", got)
	}
	if got := nd.Name(key); got != "123456789012_CloudTrail_us-east-1_20240309T140506Z_50.json" {
		t.Errorf("unexpected ndjson name %s", got)
	}
}

func TestNewStore_UnknownFormat(t *testing.T) {
	if _, err := NewStore(t.TempDir(), Format("xml"), nil); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestStore_WriteGzip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, FormatGzip, testutil.NewNullLogger())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	path, err := store.Write(context.Background(), harvest.ArtifactKey{
		Account: "acct", Source: "CloudTrail", Partition: "us-east-1", Session: session,
	}, records(3))
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	var env struct {
		Records []map[string]string `json:"Records"`
	}
	if err := json.NewDecoder(zr).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(env.Records) != 3 || env.Records[2]["eventID"] != "ec" {
		t.Errorf("unexpected records %+v", env.Records)
	}
}

func TestStore_WriteNDJSONCompactsRecords(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewStore(dir, FormatNDJSON, nil)

	path, err := store.Write(context.Background(), harvest.ArtifactKey{
		Account: "acct", Source: "Reports", Partition: "login", Session: session, Offset: 10,
	}, []harvest.Record{harvest.Record("{\n  \"a\": 1\n}"), harvest.Record(`{"b":2}`)})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	raw, _ := os.ReadFile(path)
	if string(raw) != "{\"a\":1}\n{\"b\":2}\n" {
		t.Errorf("unexpected ndjson content %q", raw)
	}
}

func TestStore_WriteRejectsEmptyPage(t *testing.T) {
	store, _ := NewStore(t.TempDir(), FormatGzip, nil)
	if _, err := store.Write(context.Background(), harvest.ArtifactKey{Partition: "p"}, nil); err == nil {
		t.Fatal("expected error for empty page")
	}
}

func TestStore_ScanAndRemoveMatchOnlyThePartition(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	gz, _ := NewStore(dir, FormatGzip, nil)
	nd, _ := NewStore(dir, FormatNDJSON, nil)

	mustWrite := func(s *Store, partition string, offset uint64, n int) {
		t.Helper()
		_, err := s.Write(ctx, harvest.ArtifactKey{Account: "acct", Source: "Reports", Partition: partition, Session: session, Offset: offset}, records(n))
		if err != nil {
			t.Fatalf("write %s: %v", partition, err)
		}
	}
	mustWrite(gz, "user", 0, 2)
	mustWrite(nd, "user", 2, 1)
	mustWrite(gz, "user_accounts", 0, 4)
	if err := os.WriteFile(filepath.Join(dir, "user_resume.json"), []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	var seen int
	if err := gz.Scan(ctx, "Reports", "user", func(harvest.Record) error { seen++; return nil }); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if seen != 3 {
		t.Errorf("expected 3 records for partition user, got %d", seen)
	}

	removed, err := gz.Remove(ctx, "Reports", "user")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 artifacts removed, got %d", removed)
	}

	entries, _ := os.ReadDir(dir)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	joined := strings.Join(names, ",")
	if !strings.Contains(joined, "user_accounts") || !strings.Contains(joined, "user_resume.json") {
		t.Errorf("remove touched unrelated files: %s", joined)
	}
}

func TestStore_ScanMissingDir(t *testing.T) {
	store, _ := NewStore(filepath.Join(t.TempDir(), "missing"), FormatGzip, nil)
	if err := store.Scan(context.Background(), "CloudTrail", "us-east-1", func(harvest.Record) error { return nil }); err != nil {
		t.Fatalf("scan of missing dir should be a no-op: %v", err)
	}
}
