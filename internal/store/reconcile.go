package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fslongjin/sandboxd/internal/model"
)

// ReconcileRunRecord is one comparison of the registry with the engine.
type ReconcileRunRecord struct {
	ID            string
	TriggerType   string
	StartedAt     time.Time
	FinishedAt    *time.Time
	TotalRegistry int
	TotalEngine   int
	DriftCount    int
	Status        string
	Error         string
}

// DriftRecord is a single disagreement found by a run. Owner is empty for
// engine sandboxes the registry does not know.
type DriftRecord struct {
	ID        int64
	RunID     string
	Owner     model.Principal
	Number    int
	DriftType string
	Detail    string
	CreatedAt time.Time
}

func (s *SandboxStore) StartReconcileRun(ctx context.Context, run *ReconcileRunRecord) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO sandbox_reconcile_runs (id, trigger_type, started_at, status, error)
		VALUES (?, ?, ?, ?, '')
	`, run.ID, run.TriggerType, run.StartedAt.UTC(), run.Status); err != nil {
		return fmt.Errorf("failed to start reconcile run %s: %w", run.ID, err)
	}
	return nil
}

// CompleteReconcileRun stores the drift found by run and closes it. DriftCount
// is taken from len(drift).
func (s *SandboxStore) CompleteReconcileRun(ctx context.Context, run *ReconcileRunRecord, drift []DriftRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reconcile transaction: %w", err)
	}
	defer tx.Rollback()

	for _, d := range drift {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sandbox_reconcile_items (run_id, owner, number, drift_type, detail, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, run.ID, d.Owner, d.Number, d.DriftType, d.Detail, d.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("failed to store drift for run %s: %w", run.ID, err)
		}
	}
	run.DriftCount = len(drift)
	if err := closeRun(ctx, tx, run); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reconcile run %s: %w", run.ID, err)
	}
	return nil
}

// FailReconcileRun closes run with its Error set and no drift.
func (s *SandboxStore) FailReconcileRun(ctx context.Context, run *ReconcileRunRecord) error {
	return closeRun(ctx, s.db, run)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func closeRun(ctx context.Context, db execer, run *ReconcileRunRecord) error {
	res, err := db.ExecContext(ctx, `
		UPDATE sandbox_reconcile_runs
		SET finished_at = ?, total_registry = ?, total_engine = ?, drift_count = ?, status = ?, error = ?
		WHERE id = ?
	`, toNullTime(run.FinishedAt), run.TotalRegistry, run.TotalEngine, run.DriftCount, run.Status, run.Error, run.ID)
	if err != nil {
		return fmt.Errorf("failed to close reconcile run %s: %w", run.ID, err)
	}
	return requireAffected(res)
}

const reconcileRunColumns = `id, trigger_type, started_at, finished_at, total_registry, total_engine, drift_count, status, error`

func scanReconcileRun(row interface{ Scan(dest ...any) error }) (*ReconcileRunRecord, error) {
	var run ReconcileRunRecord
	var finishedAt sql.NullTime
	if err := row.Scan(&run.ID, &run.TriggerType, &run.StartedAt, &finishedAt,
		&run.TotalRegistry, &run.TotalEngine, &run.DriftCount, &run.Status, &run.Error); err != nil {
		return nil, err
	}
	run.StartedAt = run.StartedAt.UTC()
	run.FinishedAt = fromNullTime(finishedAt)
	return &run, nil
}

// RecentReconcileRuns returns up to limit runs, newest first.
func (s *SandboxStore) RecentReconcileRuns(ctx context.Context, limit int) ([]ReconcileRunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reconcileRunColumns+` FROM sandbox_reconcile_runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconcile runs: %w", err)
	}
	defer rows.Close()

	runs := []ReconcileRunRecord{}
	for rows.Next() {
		run, err := scanReconcileRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read reconcile run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ReconcileRun returns the run with its drift, or (nil, nil, nil) for an
// unknown id.
func (s *SandboxStore) ReconcileRun(ctx context.Context, id string) (*ReconcileRunRecord, []DriftRecord, error) {
	run, err := scanReconcileRun(s.db.QueryRowContext(ctx,
		`SELECT `+reconcileRunColumns+` FROM sandbox_reconcile_runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load reconcile run %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, owner, number, drift_type, detail, created_at
		FROM sandbox_reconcile_items WHERE run_id = ? ORDER BY id
	`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load drift for run %s: %w", id, err)
	}
	defer rows.Close()

	drift := []DriftRecord{}
	for rows.Next() {
		var d DriftRecord
		if err := rows.Scan(&d.ID, &d.RunID, &d.Owner, &d.Number, &d.DriftType, &d.Detail, &d.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("failed to read drift for run %s: %w", id, err)
		}
		drift = append(drift, d)
	}
	return run, drift, rows.Err()
}

// PurgeReconcileRuns deletes runs started before cutoff. Their drift goes
// with them.
func (s *SandboxStore) PurgeReconcileRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sandbox_reconcile_runs WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge reconcile runs: %w", err)
	}
	return res.RowsAffected()
}
