package config

import (
	"flag"
	"io"
	"strings"
)

// NewFlagSet declares the command-line flags. Defaults are taken from cfg, so
// parsing overrides only what the operator passed explicitly.
func NewFlagSet(cfg *AppConfig, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("auditharvest", flag.ContinueOnError)
	if output != nil {
		fs.SetOutput(output)
	}

	h := &cfg.Harvest
	fs.StringVar(&h.Provider, "provider", h.Provider, "Audit log provider: aws, azure or gws. Env: HARVEST_PROVIDER")
	fs.StringVar(&h.OutputDir, "output-directory", h.OutputDir, "Directory for artifacts and resume files. Env: HARVEST_OUTPUT_DIR")
	fs.Func("partitions", "Comma-separated partitions (regions, containers, applications) or 'all'. Env: HARVEST_PARTITIONS", func(v string) error {
		h.Partitions = splitCSV(v)
		return nil
	})
	fs.StringVar(&h.Format, "format", h.Format, "Artifact format: gzip or ndjson. Env: HARVEST_FORMAT")
	fs.BoolVar(&h.Update, "update", h.Update, "Only fetch records newer than those already downloaded. Env: HARVEST_UPDATE")
	fs.BoolVar(&h.Overwrite, "overwrite", h.Overwrite, "Discard resume state and existing artifacts first. Env: HARVEST_OVERWRITE")
	fs.StringVar(&h.FromDate, "from-date", h.FromDate, "Only fetch records on or after this date (YYYY-MM-DD). Env: HARVEST_FROM_DATE")
	fs.IntVar(&h.PageSize, "page-size", h.PageSize, "Records per request, capped by the provider (0 = default). Env: HARVEST_PAGE_SIZE")
	fs.IntVar(&h.MaxConcurrency, "max-concurrency", h.MaxConcurrency, "Partitions harvested at once (0 = all). Env: HARVEST_MAX_CONCURRENCY")
	fs.Float64Var(&h.RateLimit, "rate-limit", h.RateLimit, "Requests per second per partition (0 = unlimited). Env: HARVEST_RATE_LIMIT_RPS")
	fs.DurationVar(&h.RunTimeout, "timeout", h.RunTimeout, "Stop the run after this long, e.g. 2h (0 = never). Env: HARVEST_TIMEOUT")
	fs.BoolFunc("no-ui", "Disable the live display and log to stdout. Env: HARVEST_UI=false", func(string) error {
		h.UI = false
		return nil
	})

	fs.StringVar(&cfg.AWS.AccessKeyID, "access-key-id", cfg.AWS.AccessKeyID, "AWS access key id. Env: AWS_ACCESS_KEY_ID")
	fs.StringVar(&cfg.AWS.SecretAccessKey, "secret-key", cfg.AWS.SecretAccessKey, "AWS secret access key. Env: AWS_SECRET_ACCESS_KEY")
	fs.StringVar(&cfg.AWS.SessionToken, "session-token", cfg.AWS.SessionToken, "AWS session token. Env: AWS_SESSION_TOKEN")
	fs.StringVar(&cfg.AWS.Profile, "profile", cfg.AWS.Profile, "AWS shared config profile. Env: AWS_PROFILE")
	fs.StringVar(&cfg.Azure.ConnectionString, "connection-string", cfg.Azure.ConnectionString, "Azure storage connection string. Env: AZURE_STORAGE_CONNECTION_STRING")
	fs.StringVar(&cfg.Azure.AccountURL, "account-url", cfg.Azure.AccountURL, "Azure storage account URL, used with the default credential chain. Env: AZURE_STORAGE_ACCOUNT_URL")
	fs.StringVar(&cfg.GWS.CredentialsPath, "creds-path", cfg.GWS.CredentialsPath, "Google service account key file. Env: GWS_CREDENTIALS_PATH")
	fs.StringVar(&cfg.GWS.DelegatedAdmin, "delegated-creds", cfg.GWS.DelegatedAdmin, "Workspace admin to impersonate. Env: GWS_DELEGATED_ADMIN")

	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level: debug, info, warn, error. Env: LOG_LEVEL")
	fs.StringVar(&cfg.Cursor.Backend, "cursor-backend", cfg.Cursor.Backend, "Resume state backend: file or postgres. Env: CURSOR_BACKEND")
	fs.Func("status-addr", "Serve progress and stop endpoints on this address, e.g. :9090. Env: STATUS_ADDR", func(v string) error {
		cfg.HTTP.Addr = strings.TrimSpace(v)
		cfg.HTTP.Enabled = cfg.HTTP.Addr != ""
		return nil
	})
	return fs
}

// ApplyFlags parses args over cfg. flag.ErrHelp is returned for -h.
func ApplyFlags(cfg *AppConfig, args []string) error {
	if len(args) == 0 {
		return nil
	}
	return NewFlagSet(cfg, nil).Parse(args)
}
