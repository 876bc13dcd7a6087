package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNoRecord is returned by update methods when the addressed row does not exist.
var ErrNoRecord = errors.New("record not found")

// Open opens the SQLite registry at dbPath and creates the schema.
func Open(dbPath string) (*sql.DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; transactions take the write lock up front.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return db, nil
}

func createTables(db *sql.DB) error {
	tables := []struct {
		name string
		ddl  string
	}{
		{"sandboxes", `
		CREATE TABLE IF NOT EXISTS sandboxes (
			owner TEXT NOT NULL,
			number INTEGER NOT NULL CHECK (number > 0),
			engine_ref TEXT NOT NULL,
			status TEXT NOT NULL,
			os_family TEXT NOT NULL,
			ram_gib INTEGER NOT NULL,
			cpu_cores REAL NOT NULL,
			disk_gib INTEGER NOT NULL,
			assigned_port INTEGER,
			status_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (owner, number)
		)`},
		{"owner_sequences", `
		CREATE TABLE IF NOT EXISTS owner_sequences (
			owner TEXT PRIMARY KEY,
			last_number INTEGER NOT NULL
		)`},
		{"delegation_grants", `
		CREATE TABLE IF NOT EXISTS delegation_grants (
			owner TEXT NOT NULL,
			number INTEGER NOT NULL,
			grantee TEXT NOT NULL,
			granted_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (owner, number, grantee),
			FOREIGN KEY (owner, number) REFERENCES sandboxes(owner, number) ON DELETE CASCADE
		)`},
		{"admins", `
		CREATE TABLE IF NOT EXISTS admins (
			principal TEXT PRIMARY KEY,
			added_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`},
		{"settings", `
		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`},
		{"sandbox_status_history", `
		CREATE TABLE IF NOT EXISTS sandbox_status_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL,
			number INTEGER NOT NULL,
			source TEXT NOT NULL,
			from_status TEXT NOT NULL DEFAULT '',
			to_status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			actor TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`},
		{"sandbox_reconcile_runs", `
		CREATE TABLE IF NOT EXISTS sandbox_reconcile_runs (
			id TEXT PRIMARY KEY,
			trigger_type TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP,
			total_registry INTEGER NOT NULL DEFAULT 0,
			total_engine INTEGER NOT NULL DEFAULT 0,
			drift_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT ''
		)`},
		{"sandbox_reconcile_items", `
		CREATE TABLE IF NOT EXISTS sandbox_reconcile_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			owner TEXT NOT NULL,
			number INTEGER NOT NULL,
			drift_type TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (run_id) REFERENCES sandbox_reconcile_runs(id) ON DELETE CASCADE
		)`},
		{"api_keys", `
		CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			prefix TEXT NOT NULL,
			key_hash TEXT NOT NULL UNIQUE,
			expires_at TIMESTAMP,
			last_used_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`},
	}
	for _, tbl := range tables {
		if _, err := db.Exec(tbl.ddl); err != nil {
			return fmt.Errorf("failed to create %s table: %w", tbl.name, err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_sandboxes_expiry ON sandboxes(status, expires_at)",
		"CREATE INDEX IF NOT EXISTS idx_grants_grantee ON delegation_grants(grantee)",
		"CREATE INDEX IF NOT EXISTS idx_status_history_key ON sandbox_status_history(owner, number, id DESC)",
		"CREATE INDEX IF NOT EXISTS idx_reconcile_items_run ON sandbox_reconcile_items(run_id)",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}
