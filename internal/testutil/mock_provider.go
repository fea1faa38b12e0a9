package testutil

import (
	"context"
	"strconv"
	"sync"
	"time"

	"3tcapital/auditharvest/internal/core/harvest"
)

// MockProvider is a mock implementation of harvest.Provider for testing.
type MockProvider struct {
	SourceName         string
	MaxPage            int
	AccountIDFunc      func(ctx context.Context) (string, error)
	ListPartitionsFunc func(ctx context.Context) ([]string, error)
	NewFetcherFunc     func(ctx context.Context, partition string, opts harvest.FetchOptions) (harvest.PageFetcher, error)
}

// Source returns SourceName, or "Mock" when unset.
func (m *MockProvider) Source() string {
	if m.SourceName == "" {
		return "Mock"
	}
	return m.SourceName
}

// AccountID calls the mock function if set, otherwise returns "000000000000".
func (m *MockProvider) AccountID(ctx context.Context) (string, error) {
	if m.AccountIDFunc != nil {
		return m.AccountIDFunc(ctx)
	}
	return "000000000000", nil
}

// ListPartitions calls the mock function if set, otherwise returns no partitions.
func (m *MockProvider) ListPartitions(ctx context.Context) ([]string, error) {
	if m.ListPartitionsFunc != nil {
		return m.ListPartitionsFunc(ctx)
	}
	return nil, nil
}

// NewFetcher calls the mock function if set, otherwise returns a fetcher with a single empty page.
func (m *MockProvider) NewFetcher(ctx context.Context, partition string, opts harvest.FetchOptions) (harvest.PageFetcher, error) {
	if m.NewFetcherFunc != nil {
		return m.NewFetcherFunc(ctx, partition, opts)
	}
	return &ScriptedFetcher{}, nil
}

// MaxPageSize returns MaxPage.
func (m *MockProvider) MaxPageSize() int {
	return m.MaxPage
}

// MockTimedProvider adds record dating to MockProvider.
type MockTimedProvider struct {
	MockProvider
	RecordTimeFunc func(rec harvest.Record) (time.Time, bool)
}

// RecordTime calls the mock function if set.
func (m *MockTimedProvider) RecordTime(rec harvest.Record) (time.Time, bool) {
	if m.RecordTimeFunc != nil {
		return m.RecordTimeFunc(rec)
	}
	return time.Time{}, false
}

// ScriptedFetcher serves pages keyed by the request token. The first request
// (nil token) is served from the "" key. Unknown tokens return an empty final page.
type ScriptedFetcher struct {
	Pages map[string]harvest.Page
	// Errors fails the request for a token instead of serving a page.
	Errors map[string]error
	// OnFetch runs after a page is chosen and before it is returned.
	OnFetch func(token string)

	mu        sync.Mutex
	calls     []string
	pageSizes []int
}

// FetchPage serves the scripted page for token.
func (f *ScriptedFetcher) FetchPage(ctx context.Context, token *string, pageSize int) (harvest.Page, error) {
	key := ""
	if token != nil {
		key = *token
	}
	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.pageSizes = append(f.pageSizes, pageSize)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return harvest.Page{}, err
	}
	if err, ok := f.Errors[key]; ok {
		return harvest.Page{}, err
	}
	page := f.Pages[key]
	if f.OnFetch != nil {
		f.OnFetch(key)
	}
	return page, nil
}

// Calls returns the tokens requested so far, "" for the first page.
func (f *ScriptedFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// PageSizes returns the page size of every request.
func (f *ScriptedFetcher) PageSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.pageSizes...)
}

// MockFetcher is a mock implementation of harvest.PageFetcher.
type MockFetcher struct {
	FetchPageFunc func(ctx context.Context, token *string, pageSize int) (harvest.Page, error)
}

// FetchPage calls the mock function if set, otherwise returns an empty final page.
func (m *MockFetcher) FetchPage(ctx context.Context, token *string, pageSize int) (harvest.Page, error) {
	if m.FetchPageFunc != nil {
		return m.FetchPageFunc(ctx, token, pageSize)
	}
	return harvest.Page{}, nil
}

// Token returns a pointer to s.
func Token(s string) *string {
	return &s
}

// Records builds n JSON records whose eventID starts at offset.
func Records(offset, n int) []harvest.Record {
	out := make([]harvest.Record, n)
	for i := range out {
		out[i] = harvest.Record(`{"eventID":"` + strconv.Itoa(offset+i) + `"}`)
	}
	return out
}

// Ensure the mocks implement the core interfaces.
var (
	_ harvest.Provider    = (*MockProvider)(nil)
	_ harvest.RecordTimer = (*MockTimedProvider)(nil)
	_ harvest.PageFetcher = (*ScriptedFetcher)(nil)
	_ harvest.PageFetcher = (*MockFetcher)(nil)
)
