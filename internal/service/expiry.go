package service

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/fslongjin/sandboxd/internal/clock"
	"github.com/fslongjin/sandboxd/internal/logx"
	"github.com/fslongjin/sandboxd/internal/metrics"
	"github.com/fslongjin/sandboxd/internal/notify"
)

// TickResult summarizes one expiry pass. Skipped is set when another pass
// was still running and this one did nothing.
type TickResult struct {
	Candidates int
	Suspended  int
	Failed     int
	Skipped    bool
}

// ExpiryService suspends running sandboxes whose expiry has passed and tells
// the renewal channel about each one, once.
type ExpiryService struct {
	sandboxes   *SandboxService
	registry    SandboxRegistry
	notifier    notify.Notifier
	clock       clock.Clock
	metrics     *metrics.Metrics
	concurrency int

	running atomic.Bool
}

func NewExpiryService(sandboxes *SandboxService, registry SandboxRegistry, notifier notify.Notifier, clk clock.Clock, m *metrics.Metrics, concurrency int) *ExpiryService {
	if concurrency <= 0 {
		concurrency = 4
	}
	if notifier == nil {
		notifier = notify.Discard{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &ExpiryService{
		sandboxes:   sandboxes,
		registry:    registry,
		notifier:    notifier,
		clock:       clk,
		metrics:     m,
		concurrency: concurrency,
	}
}

// Tick runs one pass. Failures on one sandbox are logged and do not stop the
// others; an already suspended sandbox is never selected again. Passes never
// overlap: a call made while another is running returns at once with Skipped.
func (s *ExpiryService) Tick(ctx context.Context) (TickResult, error) {
	logger := logx.WithComponent(ctx, "sandbox_expiry")
	if !s.running.CompareAndSwap(false, true) {
		logger.Info("expiry pass already running, skipping")
		return TickResult{Skipped: true}, nil
	}
	defer s.running.Store(false)

	now := s.clock.Now()
	s.metrics.ExpiryTick()

	expired, err := s.registry.ListExpiredRunning(ctx, now)
	if err != nil {
		logger.Error("failed to list expired sandboxes", "error", err)
		return TickResult{}, fmt.Errorf("failed to list expired sandboxes: %w", err)
	}

	var suspended, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, sb := range expired {
		key := sb.Key
		g.Go(func() error {
			changed, err := s.sandboxes.SuspendExpired(ctx, key, now)
			if err != nil {
				failed.Add(1)
				logger.Warn("failed to suspend expired sandbox", "owner", key.Owner, "number", key.Number, "error", err)
				return nil
			}
			if !changed {
				return nil
			}
			suspended.Add(1)
			s.metrics.ExpirySuspended()
			logger.Info("expired sandbox suspended", "owner", key.Owner, "number", key.Number)
			s.notifier.Notify(notify.KindRenewal, fmt.Sprintf("Sandbox %s expired and was suspended. Ask an admin to renew it.", key))
			return nil
		})
	}
	_ = g.Wait()

	s.sandboxes.RefreshGauges(ctx)
	res := TickResult{Candidates: len(expired), Suspended: int(suspended.Load()), Failed: int(failed.Load())}
	if res.Candidates > 0 {
		logger.Info("expiry pass finished", "candidates", res.Candidates, "suspended", res.Suspended, "failed", res.Failed)
	}
	return res, nil
}

// Run is the scheduler entry point.
func (s *ExpiryService) Run(ctx context.Context) {
	_, _ = s.Tick(ctx)
}
