package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fslongjin/sandboxd/internal/clock"
	"github.com/fslongjin/sandboxd/internal/engine"
	"github.com/fslongjin/sandboxd/internal/logx"
	"github.com/fslongjin/sandboxd/internal/metrics"
	"github.com/fslongjin/sandboxd/internal/model"
	"github.com/fslongjin/sandboxd/internal/notify"
	"github.com/fslongjin/sandboxd/internal/store"
)

const (
	SourceAPI       = "api"
	SourceScheduler = "scheduler"
	SourceCLI       = "cli"
)

// Caller identifies who started an operation and through which path.
type Caller struct {
	Principal model.Principal
	Source    string
}

// SandboxRegistry is the persistence the lifecycle engine needs.
type SandboxRegistry interface {
	Allocate(ctx context.Context, rec *model.Sandbox, change store.StatusChange) error
	Get(ctx context.Context, key model.Key) (*model.Sandbox, error)
	ListByOwner(ctx context.Context, owner model.Principal) ([]model.Sandbox, error)
	ListAll(ctx context.Context) ([]model.Sandbox, error)
	ListExpiredRunning(ctx context.Context, now time.Time) ([]model.Sandbox, error)
	CountByStatus(ctx context.Context) (map[model.Status]int, error)
	UpdateStatus(ctx context.Context, key model.Key, status model.Status, change store.StatusChange, now time.Time) error
	SetPort(ctx context.Context, key model.Key, port int, now time.Time) error
	SetExpiry(ctx context.Context, key model.Key, expiresAt, now time.Time) error
	Delete(ctx context.Context, key model.Key, change store.StatusChange, now time.Time) (int64, error)
	ListStatusHistory(ctx context.Context, key model.Key, limit int, beforeID int64) ([]store.SandboxStatusHistoryRecord, error)
}

type SandboxConfig struct {
	Images        map[model.OSFamily]string
	Lifetime      time.Duration
	LockWait      time.Duration
	EngineTimeout time.Duration
}

// SandboxService owns every sandbox state transition. Each one is a single
// engine call followed by a single registry update, under the sandbox's lock.
type SandboxService struct {
	engine   engine.Engine
	registry SandboxRegistry
	notifier notify.Notifier
	clock    clock.Clock
	metrics  *metrics.Metrics
	cfg      SandboxConfig
	locks    *keyLocks
}

func NewSandboxService(eng engine.Engine, registry SandboxRegistry, notifier notify.Notifier, clk clock.Clock, m *metrics.Metrics, cfg SandboxConfig) *SandboxService {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = model.DefaultLifetime
	}
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = 2 * time.Minute
	}
	if cfg.Images == nil {
		cfg.Images = map[model.OSFamily]string{model.OSUbuntu: "ubuntu:22.04", model.OSDebian: "debian:12"}
	}
	if notifier == nil {
		notifier = notify.Discard{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &SandboxService{
		engine:   eng,
		registry: registry,
		notifier: notifier,
		clock:    clk,
		metrics:  m,
		cfg:      cfg,
		locks:    newKeyLocks(cfg.LockWait),
	}
}

func (s *SandboxService) logger(ctx context.Context) *slog.Logger {
	return logx.WithComponent(ctx, "sandbox_service")
}

// opContext detaches from caller cancellation so an operation that reached
// the engine always gets to record its outcome.
func (s *SandboxService) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.EngineTimeout)
}

// Resolve returns the live sandbox at key or ErrNotFound.
func (s *SandboxService) Resolve(ctx context.Context, key model.Key) (*model.Sandbox, error) {
	if err := key.Validate(); err != nil {
		return nil, &ValidationError{Field: "sandbox", Message: err.Error()}
	}
	sb, err := s.registry.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if sb == nil {
		return nil, notFound(key)
	}
	return sb, nil
}

func (s *SandboxService) List(ctx context.Context, owner model.Principal) ([]model.Sandbox, error) {
	if !owner.Valid() {
		return nil, invalid("owner", "is required")
	}
	return s.registry.ListByOwner(ctx, owner)
}

func (s *SandboxService) ListAll(ctx context.Context) ([]model.Sandbox, error) {
	return s.registry.ListAll(ctx)
}

func (s *SandboxService) History(ctx context.Context, key model.Key, limit int, beforeID int64) ([]store.SandboxStatusHistoryRecord, error) {
	if _, err := s.Resolve(ctx, key); err != nil {
		return nil, err
	}
	return s.registry.ListStatusHistory(ctx, key, limit, beforeID)
}

// Create provisions a sandbox for owner and records it under the owner's next number.
func (s *SandboxService) Create(ctx context.Context, c Caller, owner model.Principal, profile model.Profile) (*model.Sandbox, error) {
	if !owner.Valid() {
		return nil, invalid("owner", "is required")
	}
	if err := profile.Validate(); err != nil {
		return nil, &ValidationError{Field: "profile", Message: err.Error()}
	}
	image := s.cfg.Images[profile.OS]
	if image == "" {
		return nil, invalid("os", "no image configured for %s", profile.OS)
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	logger := s.logger(ctx).With("owner", owner)

	name := "sbx-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	ref, err := s.engine.Create(opCtx, engine.Spec{Name: name, Image: image, Owner: owner, Profile: profile})
	if err != nil {
		return nil, &EngineError{Op: model.OpCreate, Key: model.Key{Owner: owner}, Err: err}
	}

	now := s.clock.Now()
	rec := &model.Sandbox{
		Key:       model.Key{Owner: owner},
		EngineRef: string(ref),
		Status:    model.StatusRunning,
		Profile:   profile,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Lifetime),
		UpdatedAt: now,
	}
	change := store.StatusChange{Source: c.Source, Reason: "created", Actor: c.Principal}
	if err := s.registry.Allocate(opCtx, rec, change); err != nil {
		if rmErr := s.engine.Remove(opCtx, ref); rmErr != nil && !errors.Is(rmErr, engine.ErrNotFound) {
			return nil, s.inconsistent(ctx, model.OpCreate, rec.Key, string(ref),
				fmt.Errorf("%w; compensating remove failed: %v", err, rmErr))
		}
		logger.Error("failed to record sandbox, engine sandbox removed", "engine_ref", ref, "error", err)
		return nil, fmt.Errorf("failed to record sandbox: %w", err)
	}

	logger.Info("sandbox created", "number", rec.Number, "engine_ref", ref, "image", image)
	s.notifier.Notify(notify.KindLog, fmt.Sprintf("%s created sandbox %s (%s, %d GiB RAM, %g CPU, %d GiB disk), expires %s",
		c.Principal, rec.Key, profile.OS, profile.RAMGiB, profile.CPUCores, profile.DiskGiB, rec.ExpiresAt.Format(time.RFC3339)))
	return rec, nil
}

// Suspend stops a running sandbox. Suspending a suspended sandbox is a no-op.
func (s *SandboxService) Suspend(ctx context.Context, c Caller, key model.Key, reason string) (*model.Sandbox, error) {
	if reason == "" {
		reason = "suspended by " + string(c.Principal)
	}
	sb, changed, err := s.transition(ctx, c, key, transitionSpec{
		op: model.OpSuspend, to: model.StatusSuspended, reason: reason, call: s.engine.Stop,
	}, nil)
	if err == nil && changed {
		s.notifier.Notify(notify.KindLog, fmt.Sprintf("%s suspended sandbox %s: %s", c.Principal, key, reason))
	}
	return sb, err
}

// Stop is the owner-facing form of Suspend.
func (s *SandboxService) Stop(ctx context.Context, c Caller, key model.Key) (*model.Sandbox, error) {
	sb, _, err := s.transition(ctx, c, key, transitionSpec{
		op: model.OpStop, to: model.StatusSuspended, reason: "stopped by " + string(c.Principal), call: s.engine.Stop,
	}, nil)
	return sb, err
}

// Resume starts a suspended sandbox. Resuming a running sandbox is a no-op.
func (s *SandboxService) Resume(ctx context.Context, c Caller, key model.Key) (*model.Sandbox, error) {
	sb, changed, err := s.transition(ctx, c, key, transitionSpec{
		op: model.OpResume, to: model.StatusRunning, reason: "resumed by " + string(c.Principal), call: s.engine.Start,
	}, nil)
	if err == nil && changed {
		s.notifier.Notify(notify.KindLog, fmt.Sprintf("%s resumed sandbox %s", c.Principal, key))
	}
	return sb, err
}

// Restart stops and starts a running sandbox. A suspended sandbox is resumed.
// Like the other transitions, an engine that no longer knows the sandbox
// counts as converged.
func (s *SandboxService) Restart(ctx context.Context, c Caller, key model.Key) (*model.Sandbox, error) {
	release, err := s.locks.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	sb, err := s.Resolve(opCtx, key)
	if err != nil {
		return nil, err
	}
	if sb.Status == model.StatusSuspended {
		sb, _, err = s.transitionLocked(opCtx, ctx, c, sb, transitionSpec{
			op: model.OpRestart, to: model.StatusRunning, reason: "restarted by " + string(c.Principal), call: s.engine.Start,
		})
		return sb, err
	}

	ref := engine.Ref(sb.EngineRef)
	logger := s.logger(ctx).With("owner", key.Owner, "number", key.Number, "operation", model.OpRestart)
	if err := s.engine.Stop(opCtx, ref); err != nil {
		if !errors.Is(err, engine.ErrNotFound) {
			return nil, &EngineError{Op: model.OpRestart, Key: key, Err: err}
		}
		logger.Warn("engine has no such sandbox, treating stop as converged", "engine_ref", sb.EngineRef)
	}
	if err := s.engine.Start(opCtx, ref); errors.Is(err, engine.ErrNotFound) {
		logger.Warn("engine has no such sandbox, treating start as converged", "engine_ref", sb.EngineRef)
	} else if err != nil {
		// Stopped but not started again: the registry must follow the engine.
		change := store.StatusChange{Source: c.Source, From: sb.Status, Reason: "restart failed to start", Actor: c.Principal}
		if upErr := s.registry.UpdateStatus(opCtx, key, model.StatusSuspended, change, s.clock.Now()); upErr != nil {
			return nil, s.inconsistent(ctx, model.OpRestart, key, sb.EngineRef, upErr)
		}
		return nil, &EngineError{Op: model.OpRestart, Key: key, Err: err}
	}

	now := s.clock.Now()
	change := store.StatusChange{Source: c.Source, From: sb.Status, Reason: "restarted by " + string(c.Principal), Actor: c.Principal}
	if err := s.registry.UpdateStatus(opCtx, key, model.StatusRunning, change, now); err != nil {
		return nil, fmt.Errorf("failed to record restart: %w", err)
	}
	sb.StatusReason = change.Reason
	sb.UpdatedAt = now
	return sb, nil
}

// Remove force-removes the sandbox and deletes its record and delegation
// grants. It returns how many grants were removed.
func (s *SandboxService) Remove(ctx context.Context, c Caller, key model.Key) (int64, error) {
	release, err := s.locks.acquire(ctx, key)
	if err != nil {
		return 0, err
	}
	defer release()

	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	logger := s.logger(ctx).With("owner", key.Owner, "number", key.Number)

	sb, err := s.Resolve(opCtx, key)
	if err != nil {
		return 0, err
	}
	if err := s.engine.Remove(opCtx, engine.Ref(sb.EngineRef)); err != nil {
		if !errors.Is(err, engine.ErrNotFound) {
			return 0, &EngineError{Op: model.OpRemove, Key: key, Err: err}
		}
		logger.Warn("engine has no such sandbox, removing record", "engine_ref", sb.EngineRef)
	}

	change := store.StatusChange{Source: c.Source, From: sb.Status, Reason: "removed by " + string(c.Principal), Actor: c.Principal}
	grants, err := s.registry.Delete(opCtx, key, change, s.clock.Now())
	if err != nil {
		return 0, s.inconsistent(ctx, model.OpRemove, key, sb.EngineRef, err)
	}

	logger.Info("sandbox removed", "engine_ref", sb.EngineRef, "grants_removed", grants)
	s.notifier.Notify(notify.KindLog, fmt.Sprintf("%s removed sandbox %s", c.Principal, key))
	return grants, nil
}

// AssignPort records a port number on the sandbox. Nothing is opened.
func (s *SandboxService) AssignPort(ctx context.Context, c Caller, key model.Key, port int) (*model.Sandbox, error) {
	if port < 1 || port > 65535 {
		return nil, invalid("port", "%d is out of range 1-65535", port)
	}
	release, err := s.locks.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	sb, err := s.Resolve(opCtx, key)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if err := s.registry.SetPort(opCtx, key, port, now); err != nil {
		if errors.Is(err, store.ErrNoRecord) {
			return nil, notFound(key)
		}
		return nil, err
	}
	sb.AssignedPort = &port
	sb.UpdatedAt = now
	s.notifier.Notify(notify.KindLog, fmt.Sprintf("%s assigned port %d to sandbox %s", c.Principal, port, key))
	return sb, nil
}

// MaxRenewDays bounds a single renewal.
const MaxRenewDays = 3650

// Renew pushes the expiry out by extension, counted from now or the current
// expiry, whichever is later. A zero extension uses the default lifetime.
func (s *SandboxService) Renew(ctx context.Context, c Caller, key model.Key, extension time.Duration) (*model.Sandbox, error) {
	if extension < 0 || extension > MaxRenewDays*24*time.Hour {
		return nil, invalid("days", "must be between 0 and %d", MaxRenewDays)
	}
	if extension == 0 {
		extension = s.cfg.Lifetime
	}
	release, err := s.locks.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	sb, err := s.Resolve(opCtx, key)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	base := sb.ExpiresAt
	if now.After(base) {
		base = now
	}
	expiresAt := base.Add(extension)
	if err := s.registry.SetExpiry(opCtx, key, expiresAt, now); err != nil {
		if errors.Is(err, store.ErrNoRecord) {
			return nil, notFound(key)
		}
		return nil, err
	}
	sb.ExpiresAt = expiresAt
	sb.UpdatedAt = now
	s.notifier.Notify(notify.KindRenewal, fmt.Sprintf("Sandbox %s renewed by %s until %s", key, c.Principal, expiresAt.Format(time.RFC3339)))
	return sb, nil
}

// Connect opens a remote terminal session in a running sandbox.
func (s *SandboxService) Connect(ctx context.Context, c Caller, key model.Key) (string, error) {
	release, err := s.locks.acquire(ctx, key)
	if err != nil {
		return "", err
	}
	defer release()

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	sb, err := s.Resolve(opCtx, key)
	if err != nil {
		return "", err
	}
	if sb.Status != model.StatusRunning {
		return "", invalid("status", "sandbox %s is suspended, resume it first", key)
	}
	session, err := s.engine.Connect(opCtx, engine.Ref(sb.EngineRef))
	if err != nil {
		return "", &EngineError{Op: model.OpConnect, Key: key, Err: err}
	}
	s.logger(ctx).Info("remote session opened", "owner", key.Owner, "number", key.Number, "principal", c.Principal)
	return session, nil
}

// SuspendExpired suspends key if it is still running and expired at now,
// re-checked under the sandbox lock. It reports whether a transition happened.
func (s *SandboxService) SuspendExpired(ctx context.Context, key model.Key, now time.Time) (bool, error) {
	c := Caller{Principal: "scheduler", Source: SourceScheduler}
	_, changed, err := s.transition(ctx, c, key, transitionSpec{
		op: model.OpSuspend, to: model.StatusSuspended, reason: "expired", call: s.engine.Stop,
	}, func(sb *model.Sandbox) bool {
		return sb.Status == model.StatusRunning && sb.Expired(now)
	})
	if errors.Is(err, ErrNotFound) {
		// Removed between selection and lock.
		return false, nil
	}
	return changed, err
}

// RefreshGauges publishes the sandbox count per status.
func (s *SandboxService) RefreshGauges(ctx context.Context) {
	counts, err := s.registry.CountByStatus(ctx)
	if err != nil {
		s.logger(ctx).Warn("failed to count sandboxes", "error", err)
		return
	}
	for status, n := range counts {
		s.metrics.SetSandboxes(string(status), n)
	}
}

type transitionSpec struct {
	op     model.Operation
	to     model.Status
	reason string
	call   func(ctx context.Context, ref engine.Ref) error
}

// transition runs t on key under its lock. eligible, when set, is evaluated
// on the locked record and can turn the operation into a no-op.
func (s *SandboxService) transition(ctx context.Context, c Caller, key model.Key, t transitionSpec, eligible func(*model.Sandbox) bool) (*model.Sandbox, bool, error) {
	release, err := s.locks.acquire(ctx, key)
	if err != nil {
		return nil, false, err
	}
	defer release()

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	sb, err := s.Resolve(opCtx, key)
	if err != nil {
		return nil, false, err
	}
	if eligible != nil && !eligible(sb) {
		return sb, false, nil
	}
	return s.transitionLocked(opCtx, ctx, c, sb, t)
}

func (s *SandboxService) transitionLocked(opCtx, ctx context.Context, c Caller, sb *model.Sandbox, t transitionSpec) (*model.Sandbox, bool, error) {
	if sb.Status == t.to {
		return sb, false, nil
	}
	logger := s.logger(ctx).With("owner", sb.Owner, "number", sb.Number, "operation", t.op)

	if err := t.call(opCtx, engine.Ref(sb.EngineRef)); err != nil {
		if !errors.Is(err, engine.ErrNotFound) {
			return nil, false, &EngineError{Op: t.op, Key: sb.Key, Err: err}
		}
		logger.Warn("engine has no such sandbox, treating as converged", "engine_ref", sb.EngineRef)
	}

	now := s.clock.Now()
	change := store.StatusChange{Source: c.Source, From: sb.Status, Reason: t.reason, Actor: c.Principal}
	if err := s.registry.UpdateStatus(opCtx, sb.Key, t.to, change, now); err != nil {
		return nil, false, s.inconsistent(ctx, t.op, sb.Key, sb.EngineRef, err)
	}

	logger.Info("sandbox status changed", "from", sb.Status, "to", t.to, "reason", t.reason)
	sb.Status = t.to
	sb.StatusReason = t.reason
	sb.UpdatedAt = now
	return sb, true, nil
}

func (s *SandboxService) inconsistent(ctx context.Context, op model.Operation, key model.Key, ref string, err error) error {
	ie := &InconsistentStateError{Op: op, Key: key, EngineRef: ref, Err: err}
	s.logger(ctx).Error("engine and registry disagree",
		"operation", op, "owner", key.Owner, "number", key.Number, "engine_ref", ref, "error", err)
	s.metrics.InconsistentState()
	s.notifier.Notify(notify.KindLog, "ALERT: "+ie.Error())
	return ie
}
