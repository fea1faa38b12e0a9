package gws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	admin "google.golang.org/api/admin/reports/v1"
	"google.golang.org/api/discovery/v1"
	"google.golang.org/api/option"

	"3tcapital/auditharvest/internal/adapters/provider"
	"3tcapital/auditharvest/internal/core/harvest"
	"3tcapital/auditharvest/internal/infrastructure/config"
)

const (
	// Source labels Workspace artifacts.
	Source = "GWS"
	// MaxResults is the activities.list page limit.
	MaxResults = 1000
	// The Reports API discovery document lists the valid application names.
	discoveryAPI     = "admin"
	discoveryVersion = "reports_v1"
)

// DefaultApplications are harvested unless the operator asks for "all".
var DefaultApplications = []string{"login", "drive", "admin", "user_accounts", "chat", "calendar", "token"}

func init() {
	provider.Register(config.ProviderGWS, func(ctx context.Context, s provider.Settings) (harvest.Provider, error) {
		return New(ctx, s.Config, s)
	})
}

// ServiceFunc opens a Reports API session.
type ServiceFunc func(ctx context.Context) (*admin.Service, error)

// Options configures a provider.
type Options struct {
	// NewService is called once per partition fetcher.
	NewService ServiceFunc
	CustomerID string
	// Account names the tenant in artifact names.
	Account string
	// Requested is the operator's partition filter; "all" switches to the discovery list.
	Requested []string
	// HTTPClient and DiscoveryEndpoint fetch the discovery document. An empty
	// endpoint uses the public discovery service.
	HTTPClient        *http.Client
	DiscoveryEndpoint string
	Logger            *slog.Logger
}

// Provider harvests Admin SDK Reports activities, one partition per application.
type Provider struct {
	opts Options
	log  *slog.Logger
}

// New builds a Reports service that impersonates the delegated admin with the
// service account key at cfg.GWS.CredentialsPath.
func New(ctx context.Context, cfg config.AppConfig, s provider.Settings) (*Provider, error) {
	key, err := os.ReadFile(cfg.GWS.CredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("read service account key: %w", err)
	}
	jwtCfg, err := google.JWTConfigFromJSON(key, admin.AdminReportsAuditReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	jwtCfg.Subject = cfg.GWS.DelegatedAdmin

	// Token and API calls both ride on the shared traced client, while each
	// session keeps its own token source.
	authCtx := context.WithValue(ctx, oauth2.HTTPClient, s.HTTPClient)
	newService := func(ctx context.Context) (*admin.Service, error) {
		authed := jwtCfg.Client(authCtx)
		authed.Timeout = s.HTTPClient.Timeout
		svc, err := admin.NewService(ctx, option.WithHTTPClient(authed))
		if err != nil {
			return nil, fmt.Errorf("reports service: %w", err)
		}
		return svc, nil
	}

	return NewWithService(Options{
		NewService: newService,
		CustomerID: cfg.GWS.CustomerID,
		Account:    accountName(cfg.GWS),
		Requested:  cfg.Harvest.Partitions,
		HTTPClient: s.HTTPClient,
		Logger:     s.Logger,
	}), nil
}

// NewWithService assembles a provider from opts.
func NewWithService(opts Options) *Provider {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Provider{opts: opts, log: log.With("provider", config.ProviderGWS)}
}

func (p *Provider) Source() string   { return Source }
func (p *Provider) MaxPageSize() int { return MaxResults }

// AccountID is the customer id when configured, else the admin's domain.
func (p *Provider) AccountID(context.Context) (string, error) {
	if p.opts.Account == "" {
		return "", errors.New("no customer id or delegated admin domain")
	}
	return p.opts.Account, nil
}

// ListPartitions returns the default applications plus any the operator named,
// or every application in the discovery document when "all" is requested.
func (p *Provider) ListPartitions(ctx context.Context) ([]string, error) {
	if wantsAll(p.opts.Requested) {
		apps, err := p.discoverApplications(ctx)
		if err != nil {
			return nil, fmt.Errorf("discover applications: %w", err)
		}
		p.log.Debug("Applications discovered", "count", len(apps))
		return apps, nil
	}

	apps := append([]string(nil), DefaultApplications...)
	seen := make(map[string]bool, len(apps))
	for _, app := range apps {
		seen[app] = true
	}
	for _, app := range p.opts.Requested {
		app = strings.TrimSpace(app)
		if app != "" && !seen[app] {
			seen[app] = true
			apps = append(apps, app)
		}
	}
	return apps, nil
}

func (p *Provider) discoverApplications(ctx context.Context) ([]string, error) {
	opts := []option.ClientOption{option.WithHTTPClient(p.opts.HTTPClient)}
	if p.opts.DiscoveryEndpoint != "" {
		opts = append(opts, option.WithEndpoint(p.opts.DiscoveryEndpoint))
	}
	svc, err := discovery.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}
	doc, err := svc.Apis.GetRest(discoveryAPI, discoveryVersion).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("discovery document: %w", err)
	}

	apps := doc.Resources["activities"].Methods["list"].Parameters["applicationName"].Enum
	if len(apps) == 0 {
		return nil, errors.New("discovery document lists no applications")
	}
	return apps, nil
}

// NewFetcher pages through one application's activities for all users on a
// session of its own.
func (p *Provider) NewFetcher(ctx context.Context, app string, opts harvest.FetchOptions) (harvest.PageFetcher, error) {
	if p.opts.NewService == nil {
		return nil, errors.New("reports service is not configured")
	}
	svc, err := p.opts.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("open session for %s: %w", app, err)
	}
	return &fetcher{svc: svc, app: app, customerID: p.opts.CustomerID, from: opts.From}, nil
}

// RecordTime reads id.time from an activity.
func (p *Provider) RecordTime(record harvest.Record) (time.Time, bool) {
	var act struct {
		ID struct {
			Time time.Time `json:"time"`
		} `json:"id"`
	}
	if err := json.Unmarshal(record, &act); err != nil || act.ID.Time.IsZero() {
		return time.Time{}, false
	}
	return act.ID.Time, true
}

type fetcher struct {
	svc        *admin.Service
	app        string
	customerID string
	from       time.Time
}

func (f *fetcher) FetchPage(ctx context.Context, token *string, pageSize int) (harvest.Page, error) {
	if pageSize <= 0 || pageSize > MaxResults {
		pageSize = MaxResults
	}
	call := f.svc.Activities.List("all", f.app).MaxResults(int64(pageSize)).Context(ctx)
	if token != nil {
		call = call.PageToken(*token)
	}
	if !f.from.IsZero() {
		call = call.StartTime(f.from.UTC().Format(time.RFC3339))
	}
	if f.customerID != "" {
		call = call.CustomerId(f.customerID)
	}

	out, err := call.Do()
	if err != nil {
		return harvest.Page{}, fmt.Errorf("activities.list %s: %w", f.app, err)
	}

	records := make([]harvest.Record, 0, len(out.Items))
	for _, item := range out.Items {
		raw, err := json.Marshal(item)
		if err != nil {
			return harvest.Page{}, fmt.Errorf("encode activity: %w", err)
		}
		records = append(records, harvest.Record(raw))
	}

	page := harvest.Page{Records: records}
	if out.NextPageToken != "" {
		next := out.NextPageToken
		page.NextToken = &next
	}
	return page, nil
}

func wantsAll(requested []string) bool {
	for _, r := range requested {
		if strings.EqualFold(strings.TrimSpace(r), "all") {
			return true
		}
	}
	return false
}

func accountName(cfg config.GWSSettings) string {
	if cfg.CustomerID != "" {
		return cfg.CustomerID
	}
	if _, domain, ok := strings.Cut(cfg.DelegatedAdmin, "@"); ok {
		return domain
	}
	return ""
}
