package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/VoiceMesh/internal/core"
)

func next(t *testing.T, ch <-chan core.Change) core.Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered")
	}
	return core.Change{}
}

func TestMemoryWatchReplaysThenStreams(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMemory()

	require.NoError(t, m.Put(ctx, "roster", "alice", []byte(`1`)))
	ch, err := m.Watch(ctx, "roster")
	require.NoError(t, err)

	c := next(t, ch)
	assert.Equal(t, core.ChangeAdded, c.Kind)
	assert.Equal(t, "alice", c.Key)

	require.NoError(t, m.Put(ctx, "roster", "alice", []byte(`2`)))
	c = next(t, ch)
	assert.Equal(t, core.ChangeUpdated, c.Kind)
	assert.Equal(t, []byte(`2`), c.Value)

	// Identical rewrite is not a change.
	require.NoError(t, m.Put(ctx, "roster", "alice", []byte(`2`)))
	require.NoError(t, m.Remove(ctx, "roster", "alice"))
	c = next(t, ch)
	assert.Equal(t, core.ChangeRemoved, c.Kind)

	require.NoError(t, m.Remove(ctx, "roster", "nobody"))
}

func TestMemoryPushKeysAreOrdered(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var keys []string
	for i := 0; i < 20; i++ {
		k, err := m.Push(ctx, "box", []byte{byte(i)})
		require.NoError(t, err)
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		assert.Less(t, keys[i-1], keys[i])
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := m.Watch(watchCtx, "box")
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		c := next(t, ch)
		assert.Equal(t, []byte{byte(i)}, c.Value)
	}
}

func TestMemoryWatchStopsOnCancel(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := m.Watch(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Stats().Watchers)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return m.Stats().Watchers == 0 }, time.Second, 5*time.Millisecond)
}

func TestMemoryClose(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Put(ctx, "c", "k", []byte("v")))
	v, ok, err := m.Get(ctx, "c", "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	m.Close()
	assert.ErrorIs(t, m.Put(ctx, "c", "k", nil), ErrClosed)
	_, err = m.Watch(ctx, "c")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryListKeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	items, err := m.List(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, items)

	require.NoError(t, m.Put(ctx, "roster", "bob", []byte(`1`)))
	require.NoError(t, m.Put(ctx, "roster", "alice", []byte(`2`)))
	require.NoError(t, m.Put(ctx, "roster", "bob", []byte(`3`)))

	items, err = m.List(ctx, "roster")
	require.NoError(t, err)
	assert.Equal(t, []core.Item{
		{Key: "bob", Value: []byte(`3`)},
		{Key: "alice", Value: []byte(`2`)},
	}, items)

	m.Close()
	_, err = m.List(ctx, "roster")
	assert.ErrorIs(t, err, ErrClosed)
}
