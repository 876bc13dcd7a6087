package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// APIKeyRecord is a credential held by a front-end client. Only the hash of
// the key is stored.
type APIKeyRecord struct {
	ID         string
	Name       string
	Prefix     string
	KeyHash    string
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

func (r *APIKeyRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

type AuthStore struct {
	db *sql.DB
}

func NewAuthStore(db *sql.DB) *AuthStore {
	return &AuthStore{db: db}
}

const apiKeySelectSQL = `SELECT id, name, prefix, key_hash, expires_at, last_used_at, created_at FROM api_keys`

func scanAPIKey(row interface{ Scan(dest ...any) error }) (*APIKeyRecord, error) {
	var rec APIKeyRecord
	var expiresAt, lastUsedAt sql.NullTime
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Prefix, &rec.KeyHash, &expiresAt, &lastUsedAt, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.ExpiresAt = fromNullTime(expiresAt)
	rec.LastUsedAt = fromNullTime(lastUsedAt)
	return &rec, nil
}

func (s *AuthStore) Create(ctx context.Context, rec *APIKeyRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, name, prefix, key_hash, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Name, rec.Prefix, rec.KeyHash, toNullTime(rec.ExpiresAt), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create api key %s: %w", rec.Name, err)
	}
	return nil
}

// Lookup returns the key with hash keyHash, or nil when there is none.
// Expired keys are returned too; callers decide with Expired.
func (s *AuthStore) Lookup(ctx context.Context, keyHash string) (*APIKeyRecord, error) {
	rec, err := scanAPIKey(s.db.QueryRowContext(ctx, apiKeySelectSQL+` WHERE key_hash = ?`, keyHash))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	return rec, nil
}

// List returns every key, newest first. KeyHash is included for callers that
// need to compare; it is never printed.
func (s *AuthStore) List(ctx context.Context) ([]APIKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, apiKeySelectSQL+` ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	keys := []APIKeyRecord{}
	for rows.Next() {
		rec, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		keys = append(keys, *rec)
	}
	return keys, rows.Err()
}

// Revoke deletes the key. It returns ErrNoRecord for an unknown id.
func (s *AuthStore) Revoke(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke api key %s: %w", id, err)
	}
	return requireAffected(res)
}

// Touch records that the key authenticated a request at now.
func (s *AuthStore) Touch(ctx context.Context, id string, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, now.UTC(), id); err != nil {
		return fmt.Errorf("failed to touch api key %s: %w", id, err)
	}
	return nil
}

// PurgeExpired deletes keys that expired before now.
func (s *AuthStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired api keys: %w", err)
	}
	return res.RowsAffected()
}
