package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fslongjin/sandboxd/internal/model"
)

// StatusChange describes one recorded transition of a sandbox.
type StatusChange struct {
	Source string
	From   model.Status
	Reason string
	Actor  model.Principal
}

type SandboxStatusHistoryRecord struct {
	ID         int64
	Owner      model.Principal
	Number     int
	Source     string
	FromStatus string
	ToStatus   string
	Reason     string
	Actor      string
	CreatedAt  time.Time
}

// SandboxStore persists sandbox records as the registry's source of truth.
type SandboxStore struct {
	db *sql.DB
}

func NewSandboxStore(db *sql.DB) *SandboxStore {
	return &SandboxStore{db: db}
}

// Allocate assigns the owner's next sandbox number and inserts rec in one
// transaction. Numbers are monotonic per owner and never handed out twice,
// even after the highest-numbered sandbox is removed.
func (s *SandboxStore) Allocate(ctx context.Context, rec *model.Sandbox, change StatusChange) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin allocate transaction: %w", err)
	}
	defer tx.Rollback()

	var maxLive int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(number), 0) FROM sandboxes WHERE owner = ?
	`, rec.Owner).Scan(&maxLive); err != nil {
		return fmt.Errorf("failed to read max sandbox number: %w", err)
	}

	var last int
	err = tx.QueryRowContext(ctx, `
		SELECT last_number FROM owner_sequences WHERE owner = ?
	`, rec.Owner).Scan(&last)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read owner sequence: %w", err)
	}

	next := max(last, maxLive) + 1
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO owner_sequences (owner, last_number) VALUES (?, ?)
		ON CONFLICT(owner) DO UPDATE SET last_number = excluded.last_number
	`, rec.Owner, next); err != nil {
		return fmt.Errorf("failed to advance owner sequence: %w", err)
	}

	var port sql.NullInt64
	if rec.AssignedPort != nil {
		port = sql.NullInt64{Int64: int64(*rec.AssignedPort), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sandboxes (
			owner, number, engine_ref, status, os_family, ram_gib, cpu_cores, disk_gib,
			assigned_port, status_reason, created_at, expires_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Owner, next, rec.EngineRef, rec.Status, rec.Profile.OS, rec.Profile.RAMGiB, rec.Profile.CPUCores, rec.Profile.DiskGiB,
		port, rec.StatusReason, rec.CreatedAt.UTC(), rec.ExpiresAt.UTC(), rec.UpdatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to insert sandbox record: %w", err)
	}

	if err := appendHistory(ctx, tx, model.Key{Owner: rec.Owner, Number: next}, rec.Status, change, rec.CreatedAt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit allocate transaction: %w", err)
	}
	rec.Number = next
	return nil
}

func (s *SandboxStore) Get(ctx context.Context, key model.Key) (*model.Sandbox, error) {
	row := s.db.QueryRowContext(ctx, sandboxSelectSQL+` WHERE owner = ? AND number = ?`, key.Owner, key.Number)
	rec, err := scanSandbox(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sandbox %s: %w", key, err)
	}
	return rec, nil
}

func (s *SandboxStore) ListByOwner(ctx context.Context, owner model.Principal) ([]model.Sandbox, error) {
	rows, err := s.db.QueryContext(ctx, sandboxSelectSQL+` WHERE owner = ? ORDER BY number ASC`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes of %s: %w", owner, err)
	}
	defer rows.Close()
	return scanSandboxRows(rows)
}

func (s *SandboxStore) ListAll(ctx context.Context) ([]model.Sandbox, error) {
	rows, err := s.db.QueryContext(ctx, sandboxSelectSQL+` ORDER BY owner ASC, number ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}
	defer rows.Close()
	return scanSandboxRows(rows)
}

// ListExpiredRunning returns running sandboxes whose expiry is at or before now.
func (s *SandboxStore) ListExpiredRunning(ctx context.Context, now time.Time) ([]model.Sandbox, error) {
	rows, err := s.db.QueryContext(ctx, sandboxSelectSQL+`
		 WHERE status = ? AND expires_at <= ?
		 ORDER BY expires_at ASC
	`, model.StatusRunning, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list expired sandboxes: %w", err)
	}
	defer rows.Close()
	return scanSandboxRows(rows)
}

func (s *SandboxStore) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM sandboxes GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count sandboxes: %w", err)
	}
	defer rows.Close()

	counts := map[model.Status]int{model.StatusRunning: 0, model.StatusSuspended: 0}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan sandbox count: %w", err)
		}
		counts[model.Status(status)] = n
	}
	return counts, rows.Err()
}

// UpdateStatus sets the status and appends the transition to the history in one transaction.
func (s *SandboxStore) UpdateStatus(ctx context.Context, key model.Key, status model.Status, change StatusChange, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin status transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE sandboxes
		SET status = ?, status_reason = ?, updated_at = ?
		WHERE owner = ? AND number = ?
	`, status, change.Reason, now.UTC(), key.Owner, key.Number)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	if err := appendHistory(ctx, tx, key, status, change, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit status transaction: %w", err)
	}
	return nil
}

func (s *SandboxStore) SetPort(ctx context.Context, key model.Key, port int, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sandboxes SET assigned_port = ?, updated_at = ? WHERE owner = ? AND number = ?
	`, port, now.UTC(), key.Owner, key.Number)
	if err != nil {
		return fmt.Errorf("failed to set assigned port: %w", err)
	}
	return requireAffected(res)
}

func (s *SandboxStore) SetExpiry(ctx context.Context, key model.Key, expiresAt, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sandboxes SET expires_at = ?, updated_at = ? WHERE owner = ? AND number = ?
	`, expiresAt.UTC(), now.UTC(), key.Owner, key.Number)
	if err != nil {
		return fmt.Errorf("failed to set expiry: %w", err)
	}
	return requireAffected(res)
}

// Delete removes the sandbox row and every delegation grant on it. It returns
// the number of grants removed.
func (s *SandboxStore) Delete(ctx context.Context, key model.Key, change StatusChange, now time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM delegation_grants WHERE owner = ? AND number = ?`, key.Owner, key.Number)
	if err != nil {
		return 0, fmt.Errorf("failed to delete delegation grants: %w", err)
	}
	grants, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, `DELETE FROM sandboxes WHERE owner = ? AND number = ?`, key.Owner, key.Number)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sandbox: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return 0, err
	}
	if err := appendHistory(ctx, tx, key, "removed", change, now); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit delete transaction: %w", err)
	}
	return grants, nil
}

func (s *SandboxStore) ListStatusHistory(ctx context.Context, key model.Key, limit int, beforeID int64) ([]SandboxStatusHistoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	baseSQL := `
		SELECT id, owner, number, source, from_status, to_status, reason, actor, created_at
		FROM sandbox_status_history
		WHERE owner = ? AND number = ?`
	args := []any{key.Owner, key.Number}
	if beforeID > 0 {
		baseSQL += " AND id < ?"
		args = append(args, beforeID)
	}
	baseSQL += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, baseSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sandbox status history: %w", err)
	}
	defer rows.Close()

	items := []SandboxStatusHistoryRecord{}
	for rows.Next() {
		var item SandboxStatusHistoryRecord
		if err := rows.Scan(&item.ID, &item.Owner, &item.Number, &item.Source, &item.FromStatus, &item.ToStatus, &item.Reason, &item.Actor, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sandbox status history: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func appendHistory(ctx context.Context, tx *sql.Tx, key model.Key, to model.Status, change StatusChange, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sandbox_status_history (owner, number, source, from_status, to_status, reason, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, key.Owner, key.Number, change.Source, change.From, to, change.Reason, change.Actor, now.UTC())
	if err != nil {
		return fmt.Errorf("failed to append status history: %w", err)
	}
	return nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNoRecord
	}
	return nil
}

const sandboxSelectSQL = `
SELECT
	owner, number, engine_ref, status, os_family, ram_gib, cpu_cores, disk_gib,
	assigned_port, status_reason, created_at, expires_at, updated_at
FROM sandboxes`

func scanSandbox(row interface{ Scan(dest ...any) error }) (*model.Sandbox, error) {
	var rec model.Sandbox
	var port sql.NullInt64
	if err := row.Scan(
		&rec.Owner, &rec.Number, &rec.EngineRef, &rec.Status,
		&rec.Profile.OS, &rec.Profile.RAMGiB, &rec.Profile.CPUCores, &rec.Profile.DiskGiB,
		&port, &rec.StatusReason, &rec.CreatedAt, &rec.ExpiresAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if port.Valid {
		p := int(port.Int64)
		rec.AssignedPort = &p
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

func scanSandboxRows(rows *sql.Rows) ([]model.Sandbox, error) {
	items := []model.Sandbox{}
	for rows.Next() {
		rec, err := scanSandbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sandbox row: %w", err)
		}
		items = append(items, *rec)
	}
	return items, rows.Err()
}
