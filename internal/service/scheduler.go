package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs background jobs at fixed intervals. A job never overlaps
// with its own previous run, including runs started with RunNow.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	manual  sync.WaitGroup
}

func NewScheduler() *Scheduler {
	logger := slog.Default().With("component", "scheduler")
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Every registers job to run every interval. A non-positive interval
// disables the job.
func (s *Scheduler) Every(name string, interval time.Duration, job func(ctx context.Context)) error {
	if interval <= 0 {
		s.logger.Info("job disabled", "job", name)
		return nil
	}
	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		job(context.Background())
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	s.mu.Lock()
	s.entries[name] = id
	s.mu.Unlock()
	s.logger.Info("job scheduled", "job", name, "interval", interval.String())
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// RunNow starts the named job immediately in the background, through the same
// chain as its scheduled runs. It reports false for an unknown or disabled job.
func (s *Scheduler) RunNow(name string) bool {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	entry := s.cron.Entry(id)
	if !entry.Valid() {
		return false
	}
	s.manual.Add(1)
	go func() {
		defer s.manual.Done()
		entry.WrappedJob.Run()
	}()
	return true
}

// Stop stops scheduling and waits for running jobs, scheduled or started by
// RunNow, or for ctx, whichever ends first.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.manual.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
