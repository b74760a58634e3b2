// Package store implements the proxy's durable EventStore: a sqlite-backed
// audit log of sessions, events, and request/response interactions (spec
// §3, §4.6 "EventStore sink"), migrated with goose and queried through the
// pure-Go modernc.org/sqlite driver so the binary stays cgo-free.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultDBPath returns the XDG data-home location for the audit database.
func DefaultDBPath() string {
	path, err := xdg.DataFile(filepath.Join("mcprepl", "proxy.db"))
	if err != nil {
		return filepath.Join(".", "mcprepl-proxy.db")
	}
	return path
}

// DB wraps a sqlite connection configured for a single-writer server
// workload (WAL journaling, a busy timeout instead of SQLITE_BUSY errors).
type DB struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path, applies
// pragmas, and runs every pending goose migration.
func Open(ctx context.Context, path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1) // modernc.org/sqlite: one writer avoids lock contention

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-2000",
	} {
		if _, err := sqlDB.ExecContext(ctx, pragma); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(sqlDB, "migrations"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &DB{db: sqlDB}, nil
}

// DB returns the underlying *sql.DB for callers that need raw access.
func (d *DB) DB() *sql.DB {
	return d.db
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.db.Close()
}
