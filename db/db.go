// Package db provides connection helpers, versioned schema migrations and the
// persistent store used by the relay, session and poller components. Both
// Postgres (pgx) and SQLite (go-sqlite3) are supported; every statement uses
// $N placeholders and ON CONFLICT/RETURNING, which both dialects accept.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
	_ "github.com/mattn/go-sqlite3"    // sqlite driver registered as 'sqlite3'

	"github.com/onnwee/watchparty/crypto"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Dialect names the SQL backend behind a *sql.DB.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite3"
)

// DialectFor picks the backend from a DSN: postgres URLs use pgx, everything
// else is treated as a sqlite database path.
func DialectFor(dsn string) Dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return Postgres
	}
	return SQLite
}

// Open connects to dsn and returns the handle with its dialect.
func Open(dsn string) (*sql.DB, Dialect, error) {
	dialect := DialectFor(dsn)
	driver := "pgx"
	if dialect == SQLite {
		driver = "sqlite3"
	}
	database, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == SQLite {
		// sqlite allows a single writer; serialize through one connection.
		database.SetMaxOpenConns(1)
	}
	return database, dialect, nil
}

// Store is the CRUD surface over the schema. Credential columns are sealed
// through the vault.
type Store struct {
	db      *sql.DB
	dialect Dialect
	vault   *crypto.Vault
	now     func() time.Time
}

// NewStore wraps an open, migrated database.
func NewStore(database *sql.DB, dialect Dialect, vault *crypto.Vault) *Store {
	return &Store{db: database, dialect: dialect, vault: vault, now: time.Now}
}

// WithClock replaces the store's time source (tests).
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// DB exposes the underlying handle for health checks and tools.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect reports the backend.
func (s *Store) Dialect() Dialect { return s.dialect }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) utcNow() time.Time { return s.now().UTC() }

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
