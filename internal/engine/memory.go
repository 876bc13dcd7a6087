package engine

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process engine for development and tests. Failures can be
// injected per method.
type Memory struct {
	mu        sync.Mutex
	seq       int
	sandboxes map[Ref]*memorySandbox
	failures  map[string]error
	calls     []string
}

type memorySandbox struct {
	spec    Spec
	running bool
}

func NewMemory() *Memory {
	return &Memory{
		sandboxes: map[Ref]*memorySandbox{},
		failures:  map[string]error{},
	}
}

// FailNext makes the next call to method ("create", "start", "stop", "remove",
// "inspect", "list", "connect") return err.
func (m *Memory) FailNext(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = err
}

// Calls returns the methods invoked so far, in order.
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Forget drops a sandbox behind the caller's back, as if removed out of band.
func (m *Memory) Forget(ref Ref) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sandboxes, ref)
}

func (m *Memory) Running(ref Ref) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[ref]
	return ok && sb.running
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sandboxes)
}

func (m *Memory) enter(method string) error {
	m.calls = append(m.calls, method)
	if err, ok := m.failures[method]; ok {
		delete(m.failures, method)
		return err
	}
	return nil
}

func (m *Memory) Create(_ context.Context, spec Spec) (Ref, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("create"); err != nil {
		return "", err
	}
	m.seq++
	ref := Ref(fmt.Sprintf("mem-%d", m.seq))
	m.sandboxes[ref] = &memorySandbox{spec: spec, running: true}
	return ref, nil
}

func (m *Memory) Start(_ context.Context, ref Ref) error {
	return m.setRunning("start", ref, true)
}

func (m *Memory) Stop(_ context.Context, ref Ref) error {
	return m.setRunning("stop", ref, false)
}

func (m *Memory) setRunning(method string, ref Ref, running bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(method); err != nil {
		return err
	}
	sb, ok := m.sandboxes[ref]
	if !ok {
		return ErrNotFound
	}
	sb.running = running
	return nil
}

func (m *Memory) Remove(_ context.Context, ref Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("remove"); err != nil {
		return err
	}
	if _, ok := m.sandboxes[ref]; !ok {
		return ErrNotFound
	}
	delete(m.sandboxes, ref)
	return nil
}

func (m *Memory) Inspect(_ context.Context, ref Ref) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("inspect"); err != nil {
		return State{}, err
	}
	sb, ok := m.sandboxes[ref]
	if !ok {
		return State{}, ErrNotFound
	}
	return State{Running: sb.running}, nil
}

func (m *Memory) List(_ context.Context) ([]Ref, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("list"); err != nil {
		return nil, err
	}
	refs := make([]Ref, 0, len(m.sandboxes))
	for ref := range m.sandboxes {
		refs = append(refs, ref)
	}
	return refs, nil
}

func (m *Memory) Connect(_ context.Context, ref Ref) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("connect"); err != nil {
		return "", err
	}
	sb, ok := m.sandboxes[ref]
	if !ok {
		return "", ErrNotFound
	}
	if !sb.running {
		return "", fmt.Errorf("sandbox %s is not running", ref)
	}
	return fmt.Sprintf("ssh %s@memory.tmate.io", ref), nil
}
