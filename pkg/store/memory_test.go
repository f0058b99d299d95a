package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCRUD(t *testing.T) {
	m := NewMemory()

	_, found, err := m.Get("k")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, m.Put("k", []byte("v")))
	value, found, err := m.Get("k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), value)

	keys, err := m.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)

	require.NoError(t, m.Delete("k"))
	_, found, _ = m.Get("k")
	assert.False(t, found)

	// Deleting an absent key is not an error
	require.NoError(t, m.Delete("k"))
}

func TestMemoryWatch(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := m.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Put("a", []byte("1")))
	require.NoError(t, m.Delete("a"))

	ev := <-events
	assert.Equal(t, OperationPut, ev.Operation)
	assert.Equal(t, "a", ev.Key)

	ev = <-events
	assert.Equal(t, OperationDelete, ev.Operation)

	cancel()
	select {
	case _, open := <-events:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("watch channel was not closed on cancel")
	}
}
