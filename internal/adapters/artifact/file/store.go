package file

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"

	"3tcapital/auditharvest/internal/core/harvest"
	"3tcapital/auditharvest/internal/infrastructure/fsutil"
)

// Format selects the artifact encoding.
type Format string

const (
	// FormatGzip writes {"Records":[...]} compressed with gzip (.json.gz).
	FormatGzip Format = "gzip"
	// FormatNDJSON writes one record per line (.json).
	FormatNDJSON Format = "ndjson"
)

// SessionLayout is the timestamp layout used in artifact names.
const SessionLayout = "20060102T150405Z"

const maxLineSize = 16 * 1024 * 1024

// artifactTail matches what follows "<account>_<source>_<partition>_" in a name.
var artifactTail = regexp.MustCompile(`^\d{8}T\d{6}Z_\d+\.json(\.gz)?$`)

// Option configures a Store.
type Option func(*Store)

// WithCompressionLevel sets the gzip level. Default: gzip.DefaultCompression.
func WithCompressionLevel(level int) Option {
	return func(s *Store) { s.level = level }
}

// Store writes one immutable artifact per (partition, page) into a directory.
type Store struct {
	dir    string
	format Format
	level  int
	log    *slog.Logger
}

// NewStore creates an artifact store. Unknown formats are rejected.
func NewStore(dir string, format Format, log *slog.Logger, opts ...Option) (*Store, error) {
	switch format {
	case FormatGzip, FormatNDJSON:
	case "":
		format = FormatGzip
	default:
		return nil, fmt.Errorf("unknown artifact format %q", format)
	}
	s := &Store{dir: dir, format: format, level: gzip.DefaultCompression, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name builds the artifact file name for key.
func (s *Store) Name(key harvest.ArtifactKey) string {
	ext := ".json.gz"
	if s.format == FormatNDJSON {
		ext = ".json"
	}
	return fmt.Sprintf("%s_%s_%s_%s_%d%s",
		harvest.FileSafe(key.Account),
		harvest.FileSafe(key.Source),
		harvest.FileSafe(key.Partition),
		key.Session.UTC().Format(SessionLayout),
		key.Offset,
		ext,
	)
}

// Write persists records as a new artifact.
func (s *Store) Write(_ context.Context, key harvest.ArtifactKey, records []harvest.Record) (string, error) {
	if len(records) == 0 {
		return "", errors.New("artifact: refusing to write an empty page")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("artifact: create dir: %w", err)
	}

	path := filepath.Join(s.dir, s.Name(key))
	var encode func(w io.Writer) error
	if s.format == FormatNDJSON {
		encode = func(w io.Writer) error { return writeNDJSON(w, records) }
	} else {
		encode = func(w io.Writer) error { return s.writeGzip(w, records) }
	}

	if err := fsutil.WriteFileAtomic(path, 0o644, encode); err != nil {
		return "", fmt.Errorf("artifact: write %s: %w", path, err)
	}

	if s.log != nil {
		s.log.Debug("Artifact written", "path", path, "records", len(records), "offset", key.Offset)
	}
	return path, nil
}

type recordsEnvelope struct {
	Records []harvest.Record `json:"Records"`
}

func (s *Store) writeGzip(w io.Writer, records []harvest.Record) error {
	zw, err := gzip.NewWriterLevel(w, s.level)
	if err != nil {
		return fmt.Errorf("gzip writer: %w", err)
	}
	if err := json.NewEncoder(zw).Encode(recordsEnvelope{Records: records}); err != nil {
		_ = zw.Close()
		return fmt.Errorf("encode records: %w", err)
	}
	return zw.Close()
}

func writeNDJSON(w io.Writer, records []harvest.Record) error {
	bw := bufio.NewWriter(w)
	var line bytes.Buffer
	for i, rec := range records {
		line.Reset()
		if err := json.Compact(&line, rec); err != nil {
			return fmt.Errorf("record %d is not valid JSON: %w", i, err)
		}
		line.WriteByte('\n')
		if _, err := bw.Write(line.Bytes()); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Scan visits every persisted record of a partition, oldest artifact first.
func (s *Store) Scan(ctx context.Context, source, partition string, fn func(harvest.Record) error) error {
	paths, err := s.artifacts(source, partition)
	if err != nil {
		return err
	}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := scanFile(path, fn); err != nil {
			return fmt.Errorf("artifact: scan %s: %w", path, err)
		}
	}
	return nil
}

// Remove deletes every artifact of a partition and returns how many were removed.
func (s *Store) Remove(_ context.Context, source, partition string) (int, error) {
	paths, err := s.artifacts(source, partition)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("artifact: remove %s: %w", path, err)
		}
		removed++
	}
	return removed, nil
}

// artifacts lists the artifact files of a partition regardless of account or format.
func (s *Store) artifacts(source, partition string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("artifact: list %s: %w", s.dir, err)
	}

	marker := "_" + harvest.FileSafe(source) + "_" + harvest.FileSafe(partition) + "_"
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		idx := strings.Index(name, marker)
		if idx <= 0 {
			continue
		}
		if !artifactTail.MatchString(name[idx+len(marker):]) {
			continue
		}
		paths = append(paths, filepath.Join(s.dir, name))
	}
	sort.Strings(paths)
	return paths, nil
}

func scanFile(path string, fn func(harvest.Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer zr.Close()
		var env recordsEnvelope
		if err := json.NewDecoder(zr).Decode(&env); err != nil {
			return err
		}
		for _, rec := range env.Records {
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rec := make(harvest.Record, len(line))
		copy(rec, line)
		if err := fn(rec); err != nil {
			return err
		}
	}
	return scanner.Err()
}

var _ harvest.ArtifactStore = (*Store)(nil)
