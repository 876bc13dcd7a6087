package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fslongjin/sandboxd/internal/model"
)

// GrantRecord is one delegation of access on a sandbox to a grantee.
type GrantRecord struct {
	Owner     model.Principal
	Number    int
	Grantee   model.Principal
	GrantedBy model.Principal
	CreatedAt time.Time
}

func (g GrantRecord) Key() model.Key {
	return model.Key{Owner: g.Owner, Number: g.Number}
}

type GrantStore struct {
	db *sql.DB
}

func NewGrantStore(db *sql.DB) *GrantStore {
	return &GrantStore{db: db}
}

// Create records the grant. It reports false when the grant already existed.
// A missing sandbox surfaces as ErrNoRecord.
func (s *GrantStore) Create(ctx context.Context, rec *GrantRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO delegation_grants (owner, number, grantee, granted_by, created_at)
		SELECT ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM sandboxes WHERE owner = ? AND number = ?)
		ON CONFLICT(owner, number, grantee) DO NOTHING
	`, rec.Owner, rec.Number, rec.Grantee, rec.GrantedBy, rec.CreatedAt.UTC(), rec.Owner, rec.Number)
	if err != nil {
		return false, fmt.Errorf("failed to create delegation grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	ok, err := s.Exists(ctx, rec.Key(), rec.Grantee)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrNoRecord
	}
	return false, nil
}

// Delete removes the grant. It reports false when no such grant existed.
func (s *GrantStore) Delete(ctx context.Context, key model.Key, grantee model.Principal) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM delegation_grants WHERE owner = ? AND number = ? AND grantee = ?
	`, key.Owner, key.Number, grantee)
	if err != nil {
		return false, fmt.Errorf("failed to delete delegation grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *GrantStore) Exists(ctx context.Context, key model.Key, grantee model.Principal) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM delegation_grants WHERE owner = ? AND number = ? AND grantee = ?
	`, key.Owner, key.Number, grantee).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check delegation grant: %w", err)
	}
	return true, nil
}

// ListByGrantee returns every grant held by grantee.
func (s *GrantStore) ListByGrantee(ctx context.Context, grantee model.Principal) ([]GrantRecord, error) {
	return s.list(ctx, `WHERE grantee = ? ORDER BY owner ASC, number ASC`, grantee)
}

// ListBySandbox returns the grantees of one sandbox.
func (s *GrantStore) ListBySandbox(ctx context.Context, key model.Key) ([]GrantRecord, error) {
	return s.list(ctx, `WHERE owner = ? AND number = ? ORDER BY grantee ASC`, key.Owner, key.Number)
}

func (s *GrantStore) ListAll(ctx context.Context) ([]GrantRecord, error) {
	return s.list(ctx, `ORDER BY owner ASC, number ASC, grantee ASC`)
}

func (s *GrantStore) list(ctx context.Context, where string, args ...any) ([]GrantRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner, number, grantee, granted_by, created_at FROM delegation_grants `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list delegation grants: %w", err)
	}
	defer rows.Close()

	items := []GrantRecord{}
	for rows.Next() {
		var g GrantRecord
		if err := rows.Scan(&g.Owner, &g.Number, &g.Grantee, &g.GrantedBy, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delegation grant: %w", err)
		}
		g.CreatedAt = g.CreatedAt.UTC()
		items = append(items, g)
	}
	return items, rows.Err()
}
