package service

import (
	"context"
	"sync"
	"time"

	"github.com/fslongjin/sandboxd/internal/model"
)

// keyLocks serializes operations per sandbox key. Waiters give up after the
// configured wait with a ConflictError.
type keyLocks struct {
	mu    sync.Mutex
	locks map[model.Key]*keyLock
	wait  time.Duration
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func newKeyLocks(wait time.Duration) *keyLocks {
	if wait <= 0 {
		wait = 30 * time.Second
	}
	return &keyLocks{locks: map[model.Key]*keyLock{}, wait: wait}
}

func (l *keyLocks) acquire(ctx context.Context, key model.Key) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case kl.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-kl.sem
				l.unref(key, kl)
			})
		}, nil
	case <-timer.C:
		l.unref(key, kl)
		return nil, &ConflictError{Key: key}
	case <-ctx.Done():
		l.unref(key, kl)
		return nil, &ConflictError{Key: key}
	}
}

func (l *keyLocks) unref(key model.Key, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}
