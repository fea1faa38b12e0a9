package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"3tcapital/auditharvest/internal/adapters/provider"
	"3tcapital/auditharvest/internal/core/harvest"
	"3tcapital/auditharvest/internal/infrastructure/config"
)

const (
	// Source labels CloudTrail artifacts.
	Source = "CloudTrail"
	// MaxResults is the LookupEvents page limit.
	MaxResults = 50
)

func init() {
	provider.Register(config.ProviderAWS, func(ctx context.Context, s provider.Settings) (harvest.Provider, error) {
		return New(ctx, s.Config.AWS, s)
	})
}

// LookupAPI is the CloudTrail call used per region.
type LookupAPI interface {
	LookupEvents(ctx context.Context, in *cloudtrail.LookupEventsInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error)
}

// RegionsAPI lists the regions enabled for the account.
type RegionsAPI interface {
	DescribeRegions(ctx context.Context, in *ec2.DescribeRegionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error)
}

// IdentityAPI resolves the caller's account.
type IdentityAPI interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Provider harvests CloudTrail management events, one partition per region.
type Provider struct {
	regions   RegionsAPI
	identity  IdentityAPI
	newLookup func(region string) LookupAPI
	log       *slog.Logger
}

// New loads an SDK config from explicit keys, or from the shared profile and
// default chain when no keys are given. Every call goes through s.HTTPClient.
func New(ctx context.Context, cfg config.AWSSettings, s provider.Settings) (*Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(s.HTTPClient),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	} else if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewWithClients(
		ec2.NewFromConfig(awsCfg),
		sts.NewFromConfig(awsCfg),
		func(region string) LookupAPI {
			return cloudtrail.NewFromConfig(awsCfg, func(o *cloudtrail.Options) {
				o.Region = region
			})
		},
		s.Logger,
	), nil
}

// NewWithClients assembles a provider from ready clients.
func NewWithClients(regions RegionsAPI, identity IdentityAPI, newLookup func(region string) LookupAPI, log *slog.Logger) *Provider {
	if log == nil {
		log = slog.Default()
	}
	return &Provider{
		regions:   regions,
		identity:  identity,
		newLookup: newLookup,
		log:       log.With("provider", config.ProviderAWS),
	}
}

func (p *Provider) Source() string   { return Source }
func (p *Provider) MaxPageSize() int { return MaxResults }

// AccountID returns the account of the configured credentials.
func (p *Provider) AccountID(ctx context.Context) (string, error) {
	out, err := p.identity.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("get caller identity: %w", err)
	}
	account := awssdk.ToString(out.Account)
	if account == "" {
		return "", errors.New("get caller identity: empty account")
	}
	return account, nil
}

// ListPartitions returns the enabled regions in name order.
func (p *Provider) ListPartitions(ctx context.Context) ([]string, error) {
	out, err := p.regions.DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return nil, fmt.Errorf("describe regions: %w", err)
	}
	regions := make([]string, 0, len(out.Regions))
	for _, r := range out.Regions {
		if name := awssdk.ToString(r.RegionName); name != "" {
			regions = append(regions, name)
		}
	}
	sort.Strings(regions)
	p.log.Debug("Regions listed", "count", len(regions))
	return regions, nil
}

// NewFetcher opens a CloudTrail client bound to the region.
func (p *Provider) NewFetcher(_ context.Context, region string, opts harvest.FetchOptions) (harvest.PageFetcher, error) {
	return &fetcher{api: p.newLookup(region), from: opts.From}, nil
}

// RecordTime reads eventTime from a CloudTrail record.
func (p *Provider) RecordTime(record harvest.Record) (time.Time, bool) {
	var ev struct {
		EventTime time.Time `json:"eventTime"`
	}
	if err := json.Unmarshal(record, &ev); err != nil || ev.EventTime.IsZero() {
		return time.Time{}, false
	}
	return ev.EventTime, true
}

type fetcher struct {
	api  LookupAPI
	from time.Time
}

// FetchPage calls LookupEvents once. Each event's CloudTrailEvent document
// becomes one record.
func (f *fetcher) FetchPage(ctx context.Context, token *string, pageSize int) (harvest.Page, error) {
	if pageSize <= 0 || pageSize > MaxResults {
		pageSize = MaxResults
	}
	in := &cloudtrail.LookupEventsInput{
		MaxResults: awssdk.Int32(int32(pageSize)),
		NextToken:  token,
	}
	if !f.from.IsZero() {
		in.StartTime = awssdk.Time(f.from)
	}

	out, err := f.api.LookupEvents(ctx, in)
	if err != nil {
		return harvest.Page{}, fmt.Errorf("lookup events: %w", err)
	}

	records := make([]harvest.Record, 0, len(out.Events))
	for _, ev := range out.Events {
		raw := awssdk.ToString(ev.CloudTrailEvent)
		if raw == "" || !json.Valid([]byte(raw)) {
			return harvest.Page{}, fmt.Errorf("event %s: malformed CloudTrailEvent", awssdk.ToString(ev.EventId))
		}
		records = append(records, harvest.Record(raw))
	}
	return harvest.Page{Records: records, NextToken: out.NextToken}, nil
}
