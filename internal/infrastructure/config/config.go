package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Provider names accepted by HARVEST_PROVIDER / --provider.
const (
	ProviderAWS   = "aws"
	ProviderAzure = "azure"
	ProviderGWS   = "gws"
)

// Cursor backends.
const (
	CursorBackendFile     = "file"
	CursorBackendPostgres = "postgres"
)

// FromDateLayout is the accepted --from-date format.
const FromDateLayout = "2006-01-02"

// AppConfig encapsulates all runtime configuration knobs.
type AppConfig struct {
	App      AppSettings
	Log      LogSettings
	Harvest  HarvestSettings
	AWS      AWSSettings
	Azure    AzureSettings
	GWS      GWSSettings
	Cursor   CursorSettings
	Database DatabaseSettings
	HTTP     HTTPSettings
	Auth     AuthSettings
	Progress ProgressSettings
}

type AppSettings struct {
	Name        string
	Version     string
	Environment string
}

type LogSettings struct {
	Level string
	// File receives logs while the live display owns the terminal. Empty
	// means <output dir>/auditharvest.log.
	File string
}

type HarvestSettings struct {
	Provider       string
	OutputDir      string
	Format         string // gzip | ndjson
	PageSize       int    // 0 = provider default
	MaxConcurrency int    // 0 = unbounded
	RateLimit      float64
	GracePeriod    time.Duration
	// RunTimeout stops the run like an operator would; 0 disables it.
	RunTimeout     time.Duration
	RequestTimeout time.Duration // per provider HTTP call
	Partitions     []string
	Update         bool
	Overwrite      bool
	FromDate       string
	// From is FromDate parsed by Validate.
	From time.Time
	UI   bool
}

type AWSSettings struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Profile         string
	// Region is used for the account and region lookups.
	Region string
}

type AzureSettings struct {
	ConnectionString string
	AccountURL       string
}

type GWSSettings struct {
	CredentialsPath string
	// DelegatedAdmin is the admin user the service account impersonates.
	DelegatedAdmin string
	CustomerID     string
}

type CursorSettings struct {
	Backend   string
	Table     string
	Namespace string
}

type DatabaseSettings struct {
	URL             string
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type HTTPSettings struct {
	Enabled bool
	// Addr overrides Port when set (e.g. "127.0.0.1:9090").
	Addr            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type AuthSettings struct {
	Enabled     bool
	IssuerURI   string
	JWKSetURI   string
	ClockSkew   time.Duration
	BypassPaths []string
}

// ProgressSettings configures forwarding of progress events to AMQP.
// Forwarding is off when AMQPURL is empty.
type ProgressSettings struct {
	AMQPURL    string
	Exchange   string
	RoutingKey string
	Buffer     int
}

// Load resolves the configuration from the environment (and a .env file if
// present), applies command-line args on top and validates the result.
func Load(args []string) (AppConfig, error) {
	_ = godotenv.Load()

	cfg := fromEnv()
	if err := ApplyFlags(&cfg, args); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func fromEnv() AppConfig {
	return AppConfig{
		App: AppSettings{
			Name:        getEnv("APP_NAME", "auditharvest"),
			Version:     getEnv("APP_VERSION", "0.1.0"),
			Environment: getEnv("APP_ENV", "local"),
		},
		Log: LogSettings{
			Level: getEnv("LOG_LEVEL", "info"),
			File:  strings.TrimSpace(os.Getenv("LOG_FILE")),
		},
		Harvest: HarvestSettings{
			Provider:       strings.ToLower(strings.TrimSpace(os.Getenv("HARVEST_PROVIDER"))),
			OutputDir:      getEnv("HARVEST_OUTPUT_DIR", "."),
			Format:         getEnv("HARVEST_FORMAT", "gzip"),
			PageSize:       getEnvAsInt("HARVEST_PAGE_SIZE", 0),
			MaxConcurrency: getEnvAsInt("HARVEST_MAX_CONCURRENCY", 0),
			RateLimit:      getEnvAsFloat("HARVEST_RATE_LIMIT_RPS", 0),
			GracePeriod:    getEnvAsDuration("HARVEST_GRACE_PERIOD", 10*time.Second),
			RunTimeout:     getEnvAsDuration("HARVEST_TIMEOUT", 0),
			RequestTimeout: getEnvAsDuration("HARVEST_REQUEST_TIMEOUT", 60*time.Second),
			Partitions:     getEnvAsCSV("HARVEST_PARTITIONS", nil),
			Update:         getEnvAsBool("HARVEST_UPDATE", false),
			Overwrite:      getEnvAsBool("HARVEST_OVERWRITE", false),
			FromDate:       strings.TrimSpace(os.Getenv("HARVEST_FROM_DATE")),
			UI:             getEnvAsBool("HARVEST_UI", true),
		},
		AWS: AWSSettings{
			AccessKeyID:     strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")),
			SecretAccessKey: strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")),
			SessionToken:    strings.TrimSpace(os.Getenv("AWS_SESSION_TOKEN")),
			Profile:         strings.TrimSpace(os.Getenv("AWS_PROFILE")),
			Region:          getEnv("AWS_REGION", "us-east-1"),
		},
		Azure: AzureSettings{
			ConnectionString: strings.TrimSpace(os.Getenv("AZURE_STORAGE_CONNECTION_STRING")),
			AccountURL:       strings.TrimSpace(os.Getenv("AZURE_STORAGE_ACCOUNT_URL")),
		},
		GWS: GWSSettings{
			CredentialsPath: strings.TrimSpace(os.Getenv("GWS_CREDENTIALS_PATH")),
			DelegatedAdmin:  strings.TrimSpace(os.Getenv("GWS_DELEGATED_ADMIN")),
			CustomerID:      strings.TrimSpace(os.Getenv("GWS_CUSTOMER_ID")),
		},
		Cursor: CursorSettings{
			Backend:   getEnv("CURSOR_BACKEND", CursorBackendFile),
			Table:     getEnv("CURSOR_TABLE", "harvest_cursors"),
			Namespace: strings.TrimSpace(os.Getenv("CURSOR_NAMESPACE")),
		},
		Database: DatabaseSettings{
			URL:             strings.TrimSpace(os.Getenv("DATABASE_URL")),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			Database:        getEnv("DB_NAME", "auditharvest"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", ""),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		HTTP: HTTPSettings{
			Enabled:         getEnvAsBool("STATUS_ENABLED", false),
			Addr:            strings.TrimSpace(os.Getenv("STATUS_ADDR")),
			Port:            getEnvAsInt("APP_PORT", 8080),
			ReadTimeout:     getEnvAsDuration("HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getEnvAsDuration("HTTP_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getEnvAsDuration("HTTP_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvAsDuration("HTTP_SHUTDOWN_TIMEOUT", 5*time.Second),
		},
		Auth: AuthSettings{
			Enabled:     getEnvAsBool("AUTH_ENABLED", false),
			IssuerURI:   strings.TrimSpace(os.Getenv("JWT_ISSUER_URI")),
			JWKSetURI:   strings.TrimSpace(os.Getenv("JWT_JWK_SET_URI")),
			ClockSkew:   getEnvAsDuration("AUTH_CLOCK_SKEW", 2*time.Minute),
			BypassPaths: getEnvAsCSV("AUTH_BYPASS_PATHS", []string{"/health"}),
		},
		Progress: ProgressSettings{
			AMQPURL:    strings.TrimSpace(os.Getenv("PROGRESS_AMQP_URL")),
			Exchange:   getEnv("PROGRESS_EXCHANGE", "auditharvest.progress"),
			RoutingKey: getEnv("PROGRESS_ROUTING_KEY", ""),
			Buffer:     getEnvAsInt("PROGRESS_BUFFER", 256),
		},
	}
}

// Validate checks cross-field constraints and parses derived values.
func (c *AppConfig) Validate() error {
	h := &c.Harvest
	switch h.Provider {
	case ProviderAWS, ProviderAzure, ProviderGWS:
	case "":
		return errors.New("invalid config: HARVEST_PROVIDER (--provider) is required")
	default:
		return fmt.Errorf("invalid config: unknown provider %q, expected aws, azure or gws", h.Provider)
	}

	if h.Format != "gzip" && h.Format != "ndjson" {
		return fmt.Errorf("invalid config: HARVEST_FORMAT must be gzip or ndjson, got %q", h.Format)
	}
	if strings.TrimSpace(h.OutputDir) == "" {
		return errors.New("invalid config: HARVEST_OUTPUT_DIR must not be empty")
	}
	if h.PageSize < 0 {
		return errors.New("invalid config: HARVEST_PAGE_SIZE must not be negative")
	}
	if h.MaxConcurrency < 0 {
		return errors.New("invalid config: HARVEST_MAX_CONCURRENCY must not be negative")
	}
	if h.RateLimit < 0 {
		return errors.New("invalid config: HARVEST_RATE_LIMIT_RPS must not be negative")
	}
	if h.RunTimeout < 0 {
		return errors.New("invalid config: HARVEST_TIMEOUT must not be negative")
	}
	if h.Update && h.Overwrite {
		return errors.New("invalid config: --update and --overwrite are mutually exclusive")
	}

	h.From = time.Time{}
	if h.FromDate != "" {
		from, err := time.Parse(FromDateLayout, h.FromDate)
		if err != nil {
			return fmt.Errorf("invalid config: --from-date must be YYYY-MM-DD, got %q", h.FromDate)
		}
		h.From = from.UTC()
	}

	if err := c.validateCredentials(); err != nil {
		return err
	}

	switch c.Cursor.Backend {
	case CursorBackendFile:
	case CursorBackendPostgres:
		if c.Database.URL == "" && c.Database.Host == "" {
			return errors.New("invalid config: DATABASE_URL or DB_HOST is required when CURSOR_BACKEND=postgres")
		}
		if strings.TrimSpace(c.Cursor.Table) == "" {
			return errors.New("invalid config: CURSOR_TABLE must not be empty")
		}
	default:
		return fmt.Errorf("invalid config: CURSOR_BACKEND must be file or postgres, got %q", c.Cursor.Backend)
	}

	if c.HTTP.Enabled && c.Auth.Enabled {
		if c.Auth.IssuerURI == "" {
			return errors.New("invalid config: JWT_ISSUER_URI is required when AUTH_ENABLED=true")
		}
		if c.Auth.JWKSetURI == "" {
			return errors.New("invalid config: JWT_JWK_SET_URI is required when AUTH_ENABLED=true")
		}
	}

	if c.Progress.AMQPURL != "" && c.Progress.Exchange == "" {
		return errors.New("invalid config: PROGRESS_EXCHANGE is required when PROGRESS_AMQP_URL is set")
	}
	return nil
}

func (c *AppConfig) validateCredentials() error {
	switch c.Harvest.Provider {
	case ProviderAWS:
		if (c.AWS.AccessKeyID == "") != (c.AWS.SecretAccessKey == "") {
			return errors.New("invalid config: --access-key-id and --secret-key must be given together")
		}
		if c.AWS.SessionToken != "" && c.AWS.AccessKeyID == "" {
			return errors.New("invalid config: --session-token requires --access-key-id and --secret-key")
		}
	case ProviderAzure:
		if c.Azure.ConnectionString == "" && c.Azure.AccountURL == "" {
			return errors.New("invalid config: azure requires --connection-string or --account-url")
		}
	case ProviderGWS:
		if c.GWS.CredentialsPath == "" {
			return errors.New("invalid config: gws requires --creds-path")
		}
		if c.GWS.DelegatedAdmin == "" {
			return errors.New("invalid config: gws requires --delegated-creds")
		}
	}
	return nil
}

// Address returns the HTTP listen address.
func (h HTTPSettings) Address() string {
	if h.Addr != "" {
		return h.Addr
	}
	return fmt.Sprintf(":%d", h.Port)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsCSV(key string, fallback []string) []string {
	values := splitCSV(os.Getenv(key))
	if len(values) == 0 {
		return fallback
	}
	return values
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
