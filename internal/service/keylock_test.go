package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fslongjin/sandboxd/internal/model"
)

func TestKeyLocksConflictAfterWait(t *testing.T) {
	l := newKeyLocks(20 * time.Millisecond)
	key := model.Key{Owner: "alice", Number: 1}

	release, err := l.acquire(context.Background(), key)
	require.NoError(t, err)

	_, err = l.acquire(context.Background(), key)
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, key, conflict.Key)

	// Other keys are independent.
	other, err := l.acquire(context.Background(), model.Key{Owner: "alice", Number: 2})
	require.NoError(t, err)
	other()

	release()
	release()
	again, err := l.acquire(context.Background(), key)
	require.NoError(t, err)
	again()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.locks)
}

func TestKeyLocksWaiterProceedsAfterRelease(t *testing.T) {
	l := newKeyLocks(time.Second)
	key := model.Key{Owner: "bob", Number: 3}

	release, err := l.acquire(context.Background(), key)
	require.NoError(t, err)
	go func() {
		time.Sleep(10 * time.Millisecond)
		release()
	}()

	second, err := l.acquire(context.Background(), key)
	require.NoError(t, err)
	second()
}
