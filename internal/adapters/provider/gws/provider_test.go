package gws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	admin "google.golang.org/api/admin/reports/v1"
	"google.golang.org/api/option"

	"3tcapital/auditharvest/internal/adapters/provider"
	"3tcapital/auditharvest/internal/core/harvest"
	"3tcapital/auditharvest/internal/infrastructure/config"
	"3tcapital/auditharvest/internal/testutil"
)

// newReportsServer serves handler and returns a session factory that counts
// the sessions opened against it.
func newReportsServer(t *testing.T, handler http.HandlerFunc) (ServiceFunc, *int) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	opened := 0
	return func(ctx context.Context) (*admin.Service, error) {
		opened++
		return admin.NewService(ctx,
			option.WithHTTPClient(server.Client()),
			option.WithEndpoint(server.URL+"/"),
		)
	}, &opened
}

func TestFetcher_FetchPage(t *testing.T) {
	var query []string
	newService, _ := newReportsServer(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/activity/users/all/applications/login") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		query = append(query, r.URL.RawQuery)
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("pageToken") == "" {
			_, _ = w.Write([]byte(`{"items":[{"id":{"time":"2024-03-02T10:00:00.000Z","applicationName":"login","uniqueQualifier":"1"}},{"id":{"time":"2024-03-02T11:00:00.000Z","applicationName":"login","uniqueQualifier":"2"}}],"nextPageToken":"P2"}`))
			return
		}
		_, _ = w.Write([]byte(`{"items":[]}`))
	})

	p := NewWithService(Options{NewService: newService, CustomerID: "C012345", Account: "C012345", Logger: testutil.NewNullLogger()})
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	f, err := p.NewFetcher(context.Background(), "login", harvest.FetchOptions{From: from})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	page, err := f.FetchPage(context.Background(), nil, 5000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(page.Records))
	}
	if page.NextToken == nil || *page.NextToken != "P2" {
		t.Errorf("expected next token P2, got %v", page.NextToken)
	}
	if ts, ok := p.RecordTime(page.Records[1]); !ok || ts.Hour() != 11 {
		t.Errorf("expected activity time to be readable, got %v %v", ts, ok)
	}

	first := query[0]
	for _, want := range []string{"maxResults=1000", "customerId=C012345", "startTime=2024-03-01T00%3A00%3A00Z"} {
		if !strings.Contains(first, want) {
			t.Errorf("expected query %q to contain %q", first, want)
		}
	}

	page, err = f.FetchPage(context.Background(), page.NextToken, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Records) != 0 || page.NextToken != nil {
		t.Errorf("expected empty final page, got %+v", page)
	}
	if !strings.Contains(query[1], "pageToken=P2") {
		t.Errorf("expected page token to be sent, got %q", query[1])
	}
}

func TestFetcher_APIError(t *testing.T) {
	newService, _ := newReportsServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"Not Authorized to access this resource/api"}}`))
	})
	f, _ := NewWithService(Options{NewService: newService}).NewFetcher(context.Background(), "drive", harvest.FetchOptions{})
	if _, err := f.FetchPage(context.Background(), nil, 50); err == nil || !strings.Contains(err.Error(), "drive") {
		t.Errorf("expected error naming the application, got %v", err)
	}
}

func TestProvider_ListPartitions(t *testing.T) {
	discovery := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/apis/admin/reports_v1/rest" {
			t.Errorf("unexpected discovery path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"resources":{"activities":{"methods":{"list":{"parameters":{"applicationName":{"enum":["access_transparency","admin","login","meet"]}}}}}}}`))
	}))
	defer discovery.Close()

	tests := []struct {
		name      string
		requested []string
		want      []string
	}{
		{name: "defaults", want: DefaultApplications},
		{name: "extra application", requested: []string{"login", "meet"}, want: append(append([]string(nil), DefaultApplications...), "meet")},
		{name: "all", requested: []string{"ALL"}, want: []string{"access_transparency", "admin", "login", "meet"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewWithService(Options{Requested: tt.requested, HTTPClient: discovery.Client(), DiscoveryEndpoint: discovery.URL + "/"})
			got, err := p.ListPartitions(context.Background())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestProvider_SessionPerFetcher(t *testing.T) {
	newService, opened := newReportsServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items":[]}`))
	})
	p := NewWithService(Options{NewService: newService})
	for _, app := range []string{"login", "drive"} {
		if _, err := p.NewFetcher(context.Background(), app, harvest.FetchOptions{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if *opened != 2 {
		t.Errorf("expected one session per fetcher, got %d", *opened)
	}

	if _, err := NewWithService(Options{}).NewFetcher(context.Background(), "login", harvest.FetchOptions{}); err == nil {
		t.Error("expected error without a session factory")
	}
}

func TestProvider_DiscoveryFailure(t *testing.T) {
	discovery := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer discovery.Close()

	p := NewWithService(Options{Requested: []string{"all"}, HTTPClient: discovery.Client(), DiscoveryEndpoint: discovery.URL + "/"})
	if _, err := p.ListPartitions(context.Background()); err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("expected discovery status error, got %v", err)
	}
}

func TestAccountName(t *testing.T) {
	if got := accountName(config.GWSSettings{CustomerID: "C01", DelegatedAdmin: "admin@example.com"}); got != "C01" {
		t.Errorf("customer id should win, got %q", got)
	}
	if got := accountName(config.GWSSettings{DelegatedAdmin: "admin@example.com"}); got != "example.com" {
		t.Errorf("expected admin domain, got %q", got)
	}
	p := NewWithService(Options{})
	if _, err := p.AccountID(context.Background()); err == nil {
		t.Error("expected error without an account")
	}
}

func TestNew_MissingKeyFile(t *testing.T) {
	cfg := config.AppConfig{GWS: config.GWSSettings{CredentialsPath: t.TempDir() + "/missing.json", DelegatedAdmin: "a@b.c"}}
	if _, err := New(context.Background(), cfg, provider.Settings{HTTPClient: http.DefaultClient, Logger: testutil.NewNullLogger()}); err == nil || !strings.Contains(err.Error(), "service account key") {
		t.Errorf("expected key file error, got %v", err)
	}
}
