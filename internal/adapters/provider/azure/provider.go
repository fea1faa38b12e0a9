package azure

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"3tcapital/auditharvest/internal/adapters/provider"
	"3tcapital/auditharvest/internal/core/harvest"
	"3tcapital/auditharvest/internal/infrastructure/config"
)

const (
	// Source labels Azure artifacts.
	Source = "Azure"
	// MaxResults is the blob listing page limit.
	MaxResults = 5000
	// DownloadConcurrency bounds the blobs downloaded at once within a page.
	DownloadConcurrency = 10
)

func init() {
	provider.Register(config.ProviderAzure, func(ctx context.Context, s provider.Settings) (harvest.Provider, error) {
		return New(s.Config.Azure, s)
	})
}

// Blob is one listed blob.
type Blob struct {
	Name         string
	LastModified time.Time
}

// BlobPage is one listing segment. NextMarker is nil at the end of the container.
type BlobPage struct {
	Blobs      []Blob
	NextMarker *string
}

// BlobAPI is the storage surface the provider needs.
type BlobAPI interface {
	ListContainers(ctx context.Context) ([]string, error)
	ListBlobs(ctx context.Context, container string, marker *string, maxResults int) (BlobPage, error)
	Download(ctx context.Context, container, blob string) ([]byte, error)
}

// SessionFunc opens a storage client.
type SessionFunc func() (BlobAPI, error)

// Provider harvests diagnostic log blobs, one partition per container.
type Provider struct {
	// api enumerates containers; each fetcher opens its own session.
	api     BlobAPI
	open    SessionFunc
	account string
	log     *slog.Logger
}

// New connects with the connection string when set, otherwise with the
// account URL and the default Azure credential chain.
func New(cfg config.AzureSettings, s provider.Settings) (*Provider, error) {
	account, err := accountName(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithSessions(func() (BlobAPI, error) {
		return newSDKClient(cfg, s.HTTPClient)
	}, account, s.Logger)
}

// NewWithSessions assembles a provider that calls open once for enumeration
// and once per partition fetcher.
func NewWithSessions(open SessionFunc, account string, log *slog.Logger) (*Provider, error) {
	api, err := open()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Provider{api: api, open: open, account: account, log: log.With("provider", config.ProviderAzure)}, nil
}

func (p *Provider) Source() string   { return Source }
func (p *Provider) MaxPageSize() int { return MaxResults }

// AccountID returns the storage account name.
func (p *Provider) AccountID(context.Context) (string, error) {
	return p.account, nil
}

// ListPartitions returns the account's containers.
func (p *Provider) ListPartitions(ctx context.Context) ([]string, error) {
	containers, err := p.api.ListContainers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	p.log.Debug("Containers listed", "count", len(containers))
	return containers, nil
}

// NewFetcher pages through one container on a session of its own.
func (p *Provider) NewFetcher(_ context.Context, container string, opts harvest.FetchOptions) (harvest.PageFetcher, error) {
	api, err := p.open()
	if err != nil {
		return nil, fmt.Errorf("open session for %s: %w", container, err)
	}
	return &fetcher{api: api, container: container, from: opts.From, log: p.log.With("container", container)}, nil
}

// RecordTime reads the "time" field of a diagnostic log record.
func (p *Provider) RecordTime(record harvest.Record) (time.Time, bool) {
	var rec struct {
		Time time.Time `json:"time"`
	}
	if err := json.Unmarshal(record, &rec); err != nil || rec.Time.IsZero() {
		return time.Time{}, false
	}
	return rec.Time, true
}

type fetcher struct {
	api       BlobAPI
	container string
	from      time.Time
	log       *slog.Logger
}

// FetchPage lists one marker page of blobs, downloads each blob modified on or
// after the lower bound and expands it into records.
func (f *fetcher) FetchPage(ctx context.Context, marker *string, pageSize int) (harvest.Page, error) {
	if pageSize <= 0 || pageSize > MaxResults {
		pageSize = MaxResults
	}
	listing, err := f.api.ListBlobs(ctx, f.container, marker, pageSize)
	if err != nil {
		return harvest.Page{}, fmt.Errorf("list blobs: %w", err)
	}

	var wanted []Blob
	for _, blob := range listing.Blobs {
		if f.from.IsZero() || !blob.LastModified.Before(f.from) {
			wanted = append(wanted, blob)
		}
	}

	// Blobs download concurrently; records keep the listing order.
	expanded := make([][]harvest.Record, len(wanted))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(DownloadConcurrency)
	for i, blob := range wanted {
		i, blob := i, blob
		g.Go(func() error {
			data, err := f.api.Download(gctx, f.container, blob.Name)
			if err != nil {
				return fmt.Errorf("download %s: %w", blob.Name, err)
			}
			recs, err := ExpandBlob(data)
			if err != nil {
				return fmt.Errorf("expand %s: %w", blob.Name, err)
			}
			f.log.Debug("Blob downloaded", "blob", blob.Name, "bytes", len(data), "records", len(recs))
			expanded[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return harvest.Page{}, err
	}

	var records []harvest.Record
	for _, recs := range expanded {
		records = append(records, recs...)
	}
	return harvest.Page{Records: records, NextToken: listing.NextMarker}, nil
}

// ExpandBlob splits a blob into records. A JSON object with a "records" array
// (the diagnostic settings layout) or a top-level array yields its elements;
// anything else is read as one JSON document per line.
func ExpandBlob(data []byte) ([]harvest.Record, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if json.Valid(trimmed) {
		switch trimmed[0] {
		case '{':
			var doc struct {
				Records []json.RawMessage `json:"records"`
			}
			if err := json.Unmarshal(trimmed, &doc); err == nil && doc.Records != nil {
				return toRecords(doc.Records), nil
			}
			return []harvest.Record{harvest.Record(trimmed)}, nil
		case '[':
			var items []json.RawMessage
			if err := json.Unmarshal(trimmed, &items); err != nil {
				return nil, err
			}
			return toRecords(items), nil
		}
	}

	var records []harvest.Record
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		if !json.Valid(text) {
			return nil, fmt.Errorf("line %d is not JSON", line)
		}
		records = append(records, harvest.Record(bytes.Clone(text)))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func toRecords(items []json.RawMessage) []harvest.Record {
	records := make([]harvest.Record, len(items))
	for i, item := range items {
		records[i] = harvest.Record(item)
	}
	return records
}

// accountName takes AccountName from the connection string, or the first host
// label of the account URL.
func accountName(cfg config.AzureSettings) (string, error) {
	if cfg.ConnectionString != "" {
		for _, part := range strings.Split(cfg.ConnectionString, ";") {
			key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
			if ok && strings.EqualFold(key, "AccountName") && value != "" {
				return value, nil
			}
		}
		return "", errors.New("connection string has no AccountName")
	}
	u, err := url.Parse(cfg.AccountURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid account URL %q", cfg.AccountURL)
	}
	name, _, _ := strings.Cut(u.Hostname(), ".")
	return name, nil
}
