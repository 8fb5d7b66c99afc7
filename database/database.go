// Package database opens the SQL backends folio runs on (SQLite for a
// single box, Postgres for hosted setups) and keeps their schema current.
//
// Queries elsewhere are written once with '?' placeholders and passed
// through sqlx's Rebind, so both drivers share the same SQL. Timestamps are
// stored as fixed-width UTC text (see TimeFormat) which keeps range
// filters and date bucketing identical across dialects.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Supported driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultMaxElapsed     = 2 * time.Minute
)

// Config selects and tunes the backend.
type Config struct {
	Driver string // "sqlite" (default) or "postgres"
	DSN    string // file path for sqlite, connection URL for postgres

	ConnectTimeout time.Duration // per-attempt ping timeout (postgres)
	MaxElapsed     time.Duration // total retry budget (postgres)
}

// Open connects to the configured backend and applies pending migrations.
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (*sqlx.DB, error) {
	var (
		db  *sqlx.DB
		err error
	)
	switch cfg.Driver {
	case "", DriverSQLite:
		db, err = openSQLite(cfg.DSN)
	case DriverPostgres:
		db, err = connectWithRetry(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("database: unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := Migrate(db, log); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func openSQLite(path string) (*sqlx.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database: sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("database: create data dir: %w", err)
	}
	// Pragmas go through the DSN so every pooled connection gets them,
	// not only the first one.
	pragmas := []string{
		"journal_mode(WAL)",
		"busy_timeout(5000)",
		"synchronous(NORMAL)",
		"foreign_keys(1)",
		"cache_size(-8000)",
	}
	dsn := path + "?_pragma=" + strings.Join(pragmas, "&_pragma=")
	db, err := sqlx.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("database: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database: ping sqlite: %w", err)
	}
	return db, nil
}

func connectWithRetry(ctx context.Context, cfg Config, log zerolog.Logger) (*sqlx.DB, error) {
	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = defaultConnectTimeout
	}
	maxElapsed := cfg.MaxElapsed
	if maxElapsed == 0 {
		maxElapsed = defaultMaxElapsed
	}

	operation := func() (*sqlx.DB, error) {
		connCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		db, err := sqlx.Open(DriverPostgres, cfg.DSN)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if err := db.PingContext(connCtx); err != nil {
			db.Close()
			log.Warn().Err(err).Msg("database ping failed, retrying")
			return nil, err
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(time.Hour)
		log.Info().Str("driver", DriverPostgres).Msg("connected to database")
		return db, nil
	}

	db, err := backoff.Retry(ctx, operation, backoff.WithMaxElapsedTime(maxElapsed))
	if err != nil {
		return nil, fmt.Errorf("database: connect postgres: %w", err)
	}
	return db, nil
}

// TimeFormat is the on-disk timestamp layout. It is fixed-width so string
// comparison orders the same way as time comparison.
const TimeFormat = "2006-01-02T15:04:05Z"

// Timestamp formats t for storage.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTimestamp reverses Timestamp. Malformed values yield the zero time.
func ParseTimestamp(s string) time.Time {
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// NullTimestamp formats an optional time; nil is stored as NULL.
func NullTimestamp(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: Timestamp(*t), Valid: true}
}

// ParseNullTimestamp reverses NullTimestamp.
func ParseNullTimestamp(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := ParseTimestamp(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

// Tx runs fn inside a transaction, committing when fn returns nil.
func Tx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
