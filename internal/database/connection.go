// Package database owns the SQLite-backed command store used by the control
// server. Every lease-mutating operation runs as a single transaction.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed sql/0*.sql
var migrations embed.FS

// InitDB opens a SQLite database at dbPath (or an in-memory one for
// ":memory:") and applies the command schema. Parent directories are created
// as needed so a fresh deployment can point DATABASE_PATH at a
// not-yet-existing data directory.
func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", buildDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time; SQLite serializes writes anyway and a single
	// connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply database schema: %w", err)
	}

	return db, nil
}

// buildDSN assembles the modernc.org/sqlite DSN. Durability pragmas (WAL,
// synchronous FULL) only apply to file-backed databases.
func buildDSN(dbPath string) string {
	pragmas := []string{
		"foreign_keys(ON)",
		"temp_store(MEMORY)",
		"cache_size(-64000)",
	}
	if dbPath == ":memory:" {
		return ":memory:?" + pragmaQuery(pragmas)
	}
	pragmas = append(pragmas,
		"journal_mode(WAL)",
		"synchronous(FULL)",
		"busy_timeout(30000)",
	)
	return fmt.Sprintf("file:%s?mode=rwc&%s", dbPath, pragmaQuery(pragmas))
}

func pragmaQuery(pragmas []string) string {
	parts := make([]string, len(pragmas))
	for i, p := range pragmas {
		parts[i] = "_pragma=" + p
	}
	return strings.Join(parts, "&")
}

// CloseDB closes the database connection. Nil-safe.
func CloseDB(db *sql.DB) error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// migrate runs the embedded goose migrations. Idempotent via goose version
// tracking.
func migrate(ctx context.Context, db *sql.DB) error {
	subFS, err := fs.Sub(migrations, "sql")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}
	goose.SetBaseFS(subFS)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("failed to apply schema migrations: %w", err)
	}
	return nil
}
