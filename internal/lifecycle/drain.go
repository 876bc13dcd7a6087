// Package lifecycle coordinates graceful shutdown: once draining starts no
// new lifecycle operation is admitted, and shutdown waits for the running
// ones and for open channel streams.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrDraining     = errors.New("server is draining")
	ErrDrainTimeout = errors.New("drain deadline exceeded")
)

// tracker counts holders and lets a caller wait for all of them to leave.
type tracker struct {
	active atomic.Int64
	wg     sync.WaitGroup
}

func (t *tracker) enter() func() {
	t.wg.Add(1)
	t.active.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			t.active.Add(-1)
			t.wg.Done()
		})
	}
}

func (t *tracker) wait(ctx context.Context, what string) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %d %s still active", ErrDrainTimeout, t.active.Load(), what)
	}
}

type DrainManager struct {
	// mu orders Begin against StartDraining so no operation slips in after
	// the switch.
	mu       sync.Mutex
	draining bool

	ops     tracker
	streams tracker
}

func NewDrainManager() *DrainManager {
	return &DrainManager{}
}

func (m *DrainManager) StartDraining() {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()
}

func (m *DrainManager) IsDraining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draining
}

// Begin admits one lifecycle operation. The returned release is idempotent.
func (m *DrainManager) Begin() (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.draining {
		return nil, ErrDraining
	}
	return m.ops.enter(), nil
}

// TrackStream registers an open channel stream until the release is called.
func (m *DrainManager) TrackStream() func() {
	return m.streams.enter()
}

func (m *DrainManager) ActiveOperations() int64 { return m.ops.active.Load() }

func (m *DrainManager) ActiveStreams() int64 { return m.streams.active.Load() }

func (m *DrainManager) WaitOperations(ctx context.Context) error {
	return m.ops.wait(ctx, "operations")
}

func (m *DrainManager) WaitStreams(ctx context.Context) error {
	return m.streams.wait(ctx, "streams")
}
