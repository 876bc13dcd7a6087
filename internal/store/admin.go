package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fslongjin/sandboxd/internal/model"
)

type AdminRecord struct {
	Principal model.Principal
	AddedBy   model.Principal
	CreatedAt time.Time
}

// AdminStore persists the admin set. Rows are only ever added.
type AdminStore struct {
	db *sql.DB
}

func NewAdminStore(db *sql.DB) *AdminStore {
	return &AdminStore{db: db}
}

// Add inserts principal into the admin set. It reports false if it was already there.
func (s *AdminStore) Add(ctx context.Context, rec *AdminRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO admins (principal, added_by, created_at) VALUES (?, ?, ?)
		ON CONFLICT(principal) DO NOTHING
	`, rec.Principal, rec.AddedBy, rec.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to add admin: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *AdminStore) List(ctx context.Context) ([]AdminRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT principal, added_by, created_at FROM admins ORDER BY created_at ASC, principal ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list admins: %w", err)
	}
	defer rows.Close()

	items := []AdminRecord{}
	for rows.Next() {
		var rec AdminRecord
		if err := rows.Scan(&rec.Principal, &rec.AddedBy, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan admin: %w", err)
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		items = append(items, rec)
	}
	return items, rows.Err()
}

// SettingsStore persists the global key/value settings.
type SettingsStore struct {
	db *sql.DB
}

func NewSettingsStore(db *sql.DB) *SettingsStore {
	return &SettingsStore{db: db}
}

func (s *SettingsStore) Set(ctx context.Context, key, value string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, now.UTC())
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

func (s *SettingsStore) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
