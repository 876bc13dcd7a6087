package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryEngine(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ref, err := m.Create(ctx, Spec{Name: "a"})
	require.NoError(t, err)
	assert.True(t, m.Running(ref))

	require.NoError(t, m.Stop(ctx, ref))
	assert.False(t, m.Running(ref))
	_, err = m.Connect(ctx, ref)
	assert.Error(t, err)

	boom := errors.New("boom")
	m.FailNext("start", boom)
	assert.ErrorIs(t, m.Start(ctx, ref), boom)
	require.NoError(t, m.Start(ctx, ref))

	m.Forget(ref)
	assert.ErrorIs(t, m.Remove(ctx, ref), ErrNotFound)
	assert.Equal(t, []string{"create", "stop", "connect", "start", "start", "remove"}, m.Calls())
}
