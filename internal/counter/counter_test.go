package counter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMemory(t *testing.T) *Memory {
	t.Helper()
	store := NewMemory(Config{Type: "memory", Name: "test"})
	require.NoError(t, store.Connect())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestFactory(t *testing.T) {
	store, err := Factory(Config{Type: "memory"})
	require.NoError(t, err)
	assert.Equal(t, "memory", store.Type())

	store, err = Factory(Config{Type: "redis"})
	require.NoError(t, err)
	assert.Equal(t, "redis", store.Type())

	store, err = Factory(Config{Type: "memcached"})
	require.NoError(t, err)
	assert.Equal(t, "memcached", store.Type())

	_, err = Factory(Config{Type: "etcd"})
	assert.Error(t, err)
}

func TestMemoryIncrBy(t *testing.T) {
	store := setupMemory(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	value, err := store.IncrBy(ctx, "counter", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), value)

	value, err = store.IncrBy(ctx, "counter", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(8), value)

	value, err = store.IncrBy(ctx, "counter", -8)
	require.NoError(t, err)
	assert.Equal(t, int64(0), value)
}

func TestMemoryExpiry(t *testing.T) {
	store := setupMemory(t)
	ctx := context.Background()

	_, err := store.IncrBy(ctx, "window", 1)
	require.NoError(t, err)
	require.NoError(t, store.Expire(ctx, "window", 10*time.Millisecond))

	ttl, err := store.TTL(ctx, "window")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	time.Sleep(20 * time.Millisecond)
	_, err = store.Get(ctx, "window")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySetNX(t *testing.T) {
	store := setupMemory(t)
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "lock", "holder-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetNX(ctx, "lock", "holder-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Delete(ctx, "lock"))
	ok, err = store.SetNX(ctx, "lock", "holder-3", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryCloseWithConcurrentJanitor(t *testing.T) {
	store := NewMemory(Config{Type: "memory"})
	require.NoError(t, store.Connect())

	// A cleanup pass racing the shutdown must not deadlock it.
	janitorDone := make(chan struct{})
	go func() {
		store.deleteExpired()
		close(janitorDone)
	}()

	closeDone := make(chan error, 1)
	go func() { closeDone <- store.Close() }()

	select {
	case err := <-closeDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	<-janitorDone

	assert.NoError(t, store.Close(), "closing twice is a no-op")
	require.NoError(t, store.Connect(), "the store can be reopened")
	t.Cleanup(func() { _ = store.Close() })

	_, err := store.IncrBy(context.Background(), "counter", 1)
	assert.NoError(t, err)
}

func TestMemoryNotConnected(t *testing.T) {
	store := NewMemory(Config{})
	_, err := store.Get(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotConnected)
}
