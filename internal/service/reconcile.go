package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fslongjin/sandboxd/internal/clock"
	"github.com/fslongjin/sandboxd/internal/engine"
	"github.com/fslongjin/sandboxd/internal/metrics"
	"github.com/fslongjin/sandboxd/internal/model"
	"github.com/fslongjin/sandboxd/internal/notify"
	"github.com/fslongjin/sandboxd/internal/store"
	apimodel "github.com/fslongjin/sandboxd/pkg/model"
)

const (
	reconcileStatusRunning   = "running"
	reconcileStatusCompleted = "completed"
	reconcileStatusFailed    = "failed"

	DriftMissingInEngine   = "missing_in_engine"
	DriftStatusMismatch    = "status_mismatch"
	DriftMissingInRegistry = "missing_in_registry"
)

// ReconcileService compares the registry with what the engine reports and
// records every disagreement. It never repairs anything.
type ReconcileService struct {
	engine    engine.Engine
	store     *store.SandboxStore
	notifier  notify.Notifier
	clock     clock.Clock
	metrics   *metrics.Metrics
	retention time.Duration
}

func NewReconcileService(eng engine.Engine, sandboxStore *store.SandboxStore, notifier notify.Notifier, clk clock.Clock, m *metrics.Metrics, retention time.Duration) *ReconcileService {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &ReconcileService{
		engine:    eng,
		store:     sandboxStore,
		notifier:  notifier,
		clock:     clk,
		metrics:   m,
		retention: retention,
	}
}

func (s *ReconcileService) logger() *slog.Logger {
	return slog.Default().With("component", "sandbox_reconciler")
}

// Scheduled is the scheduler entry point.
func (s *ReconcileService) Scheduled(ctx context.Context) {
	if _, err := s.Run(ctx, "scheduled"); err != nil {
		s.logger().Error("scheduled reconcile failed", "error", err)
	}
}

func (s *ReconcileService) Run(ctx context.Context, trigger string) (*apimodel.ReconcileRunDetailResponse, error) {
	run := &store.ReconcileRunRecord{
		ID:          "rec-" + uuid.New().String()[:8],
		TriggerType: trigger,
		StartedAt:   s.clock.Now(),
		Status:      reconcileStatusRunning,
	}
	if err := s.store.StartReconcileRun(ctx, run); err != nil {
		return nil, err
	}
	fail := func(err error) error {
		finished := s.clock.Now()
		run.FinishedAt = &finished
		run.Status = reconcileStatusFailed
		run.Error = err.Error()
		if ferr := s.store.FailReconcileRun(ctx, run); ferr != nil {
			s.logger().Warn("failed to mark reconcile run failed", "run_id", run.ID, "error", ferr)
		}
		return err
	}

	records, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, fail(err)
	}
	run.TotalRegistry = len(records)
	refs, err := s.engine.List(ctx)
	if err != nil {
		return nil, fail(err)
	}
	run.TotalEngine = len(refs)

	unclaimed := make(map[engine.Ref]bool, len(refs))
	for _, ref := range refs {
		unclaimed[ref] = true
	}

	var drift []store.DriftRecord
	record := func(key model.Key, driftType, detail string) {
		drift = append(drift, store.DriftRecord{
			Owner:     key.Owner,
			Number:    key.Number,
			DriftType: driftType,
			Detail:    detail,
			CreatedAt: s.clock.Now(),
		})
	}

	for _, rec := range records {
		ref := engine.Ref(rec.EngineRef)
		delete(unclaimed, ref)

		state, err := s.engine.Inspect(ctx, ref)
		if err != nil {
			record(rec.Key, DriftMissingInEngine, fmt.Sprintf("engine has no sandbox %s: %v", rec.EngineRef, err))
			continue
		}
		engineStatus := model.StatusSuspended
		if state.Running {
			engineStatus = model.StatusRunning
		}
		if engineStatus != rec.Status {
			record(rec.Key, DriftStatusMismatch, fmt.Sprintf("registry_status=%s, engine_status=%s", rec.Status, engineStatus))
		}
	}
	for ref := range unclaimed {
		record(model.Key{}, DriftMissingInRegistry, fmt.Sprintf("engine sandbox %s is labelled as managed but has no registry record", ref))
	}

	finished := s.clock.Now()
	run.FinishedAt = &finished
	run.Status = reconcileStatusCompleted
	if err := s.store.CompleteReconcileRun(ctx, run, drift); err != nil {
		return nil, err
	}
	s.metrics.SetReconcileDrift(len(drift))
	if len(drift) > 0 {
		s.logger().Warn("reconcile found drift", "run_id", run.ID, "drift_count", len(drift))
		s.notifier.Notify(notify.KindLog, fmt.Sprintf("ALERT: reconcile %s found %d disagreement(s) between registry and engine", run.ID, len(drift)))
	}
	s.purge(ctx)

	return s.GetRun(ctx, run.ID)
}

func (s *ReconcileService) purge(ctx context.Context) {
	if s.retention <= 0 {
		return
	}
	n, err := s.store.PurgeReconcileRuns(ctx, s.clock.Now().Add(-s.retention))
	if err != nil {
		s.logger().Warn("failed to purge reconcile runs", "error", err)
		return
	}
	if n > 0 {
		s.logger().Info("purged reconcile runs", "count", n)
	}
}

func (s *ReconcileService) ListRuns(ctx context.Context, limit int) (*apimodel.ReconcileRunListResponse, error) {
	runs, err := s.store.RecentReconcileRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	items := make([]apimodel.ReconcileRun, 0, len(runs))
	for _, run := range runs {
		items = append(items, toReconcileRun(run))
	}
	return &apimodel.ReconcileRunListResponse{Runs: items}, nil
}

// GetRun returns nil, nil when no run has the given id.
func (s *ReconcileService) GetRun(ctx context.Context, runID string) (*apimodel.ReconcileRunDetailResponse, error) {
	run, items, err := s.store.ReconcileRun(ctx, runID)
	if err != nil || run == nil {
		return nil, err
	}
	drift := make([]apimodel.Drift, 0, len(items))
	for _, item := range items {
		drift = append(drift, apimodel.Drift{
			ID:        item.ID,
			RunID:     item.RunID,
			Owner:     string(item.Owner),
			Number:    item.Number,
			DriftType: item.DriftType,
			Detail:    item.Detail,
			CreatedAt: item.CreatedAt,
		})
	}
	return &apimodel.ReconcileRunDetailResponse{Run: toReconcileRun(*run), Drift: drift}, nil
}

func toReconcileRun(run store.ReconcileRunRecord) apimodel.ReconcileRun {
	return apimodel.ReconcileRun{
		ID:            run.ID,
		TriggerType:   run.TriggerType,
		StartedAt:     run.StartedAt,
		FinishedAt:    run.FinishedAt,
		TotalRegistry: run.TotalRegistry,
		TotalEngine:   run.TotalEngine,
		DriftCount:    run.DriftCount,
		Status:        run.Status,
		Error:         run.Error,
	}
}
