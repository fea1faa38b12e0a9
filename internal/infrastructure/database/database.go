package database

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds database connection configuration.
type Config struct {
	// URL, when set, is used verbatim instead of the individual fields.
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

// NewPool creates a new PostgreSQL connection pool.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	connString := cfg.URL
	if connString == "" {
		connString = fmt.Sprintf(
			"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s pool_max_conns=%d pool_min_conns=%d pool_max_conn_lifetime=%s",
			cfg.Host,
			cfg.Port,
			cfg.Database,
			cfg.User,
			cfg.Password,
			cfg.SSLMode,
			cfg.MaxOpenConns,
			cfg.MaxIdleConns,
			cfg.ConnMaxLifetime,
		)
	}

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// QuoteTable quotes a possibly schema-qualified table name.
func QuoteTable(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

// Execer is the subset of a pool needed to run migrations.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// RenderMigration loads a migration and substitutes the quoted cursor table name.
func RenderMigration(file, table string) (string, error) {
	sqlBytes, err := migrationsFS.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("read migration %s: %w", file, err)
	}
	return strings.ReplaceAll(string(sqlBytes), "{{table}}", QuoteTable(table)), nil
}

// RunMigrations executes all SQL migration files in order against the cursor table.
func RunMigrations(ctx context.Context, db Execer, table string, log *slog.Logger) error {
	migrations := []string{
		"migrations/001_create_harvest_cursors.sql",
	}

	for _, migration := range migrations {
		log.Info("Running migration", "file", migration, "table", table)

		stmt, err := RenderMigration(migration, table)
		if err != nil {
			return err
		}

		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute migration %s: %w", migration, err)
		}

		log.Info("Migration completed", "file", migration)
	}

	return nil
}
