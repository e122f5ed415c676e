package minired

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func stubNow(t *testing.T, at time.Time) {
	t.Helper()

	prev := nowFunc
	nowFunc = func() time.Time { return at }
	t.Cleanup(func() { nowFunc = prev })
}

func newTestExpiry(t *testing.T) (*ExpiryManager, *Store) {
	t.Helper()

	store := NewStore()
	return NewExpiryManager(store, zerolog.Nop()), store
}

func TestExpiry_checkAndRemoveExpired(t *testing.T) {
	m, store := newTestExpiry(t)
	now := time.Now()
	stubNow(t, now)

	// absent key
	assert.False(t, m.CheckAndRemoveExpired("missing"))

	// no deadline
	store.Set("forever", "v")
	assert.False(t, m.CheckAndRemoveExpired("forever"))
	assert.True(t, store.Exists("forever"))

	// deadline in the future
	store.Set("soon", "v")
	store.SetDeadline("soon", now.Add(time.Minute))
	assert.False(t, m.CheckAndRemoveExpired("soon"))
	assert.True(t, store.Exists("soon"))

	// deadline passed
	store.Set("dead", "v")
	store.SetDeadline("dead", now.Add(-time.Second))
	assert.True(t, m.CheckAndRemoveExpired("dead"))
	assert.False(t, store.Exists("dead"))

	// a deadline of exactly now is expired
	store.Set("edge", "v")
	store.SetDeadline("edge", now)
	assert.True(t, m.CheckAndRemoveExpired("edge"))
}

func TestExpiry_sweepDrainsExpired(t *testing.T) {
	m, store := newTestExpiry(t)
	now := time.Now()
	stubNow(t, now)

	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("dead:%d", i)
		store.Set(k, "v")
		store.SetDeadline(k, now.Add(-time.Hour))
	}
	for i := 0; i < 5; i++ {
		store.Set(fmt.Sprintf("live:%d", i), "v")
	}

	// every sample hits expired keys, so one call keeps cycling until only
	// live keys remain
	m.sweep(context.Background())

	assert.Equal(t, 5, store.Len())
	for i := 0; i < 5; i++ {
		assert.True(t, store.Exists(fmt.Sprintf("live:%d", i)))
	}
}

func TestExpiry_sweepLeavesLiveKeys(t *testing.T) {
	m, store := newTestExpiry(t)
	now := time.Now()
	stubNow(t, now)

	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("live:%d", i)
		store.Set(k, "v")
		store.SetDeadline(k, now.Add(time.Hour))
	}

	// zero deletion rate, so the cycle ends after a single sample
	m.sweep(context.Background())

	assert.Equal(t, 50, store.Len())
}

func TestExpiry_sweepEmptyStore(t *testing.T) {
	m, _ := newTestExpiry(t)
	m.sweep(context.Background())
}

func TestExpiry_sweepObservesCancellation(t *testing.T) {
	m, store := newTestExpiry(t)
	now := time.Now()
	stubNow(t, now)

	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("dead:%d", i)
		store.Set(k, "v")
		store.SetDeadline(k, now.Add(-time.Hour))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.sweep(ctx)

	// partial cycles are harmless, but a cancelled sweep must not drain the
	// whole keyspace
	assert.Equal(t, 100, store.Len())
}

func TestExpiry_lifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	m, _ := newTestExpiry(t)

	require.NoError(t, m.Start())
	assert.ErrorIs(t, m.Start(), ErrSweeperRunning)

	m.Stop()
	// idempotent from stopped
	m.Stop()

	// restartable after a stop
	require.NoError(t, m.Start())
	m.Stop()
}

func TestExpiry_sweeperDeletesInBackground(t *testing.T) {
	defer goleak.VerifyNone(t)

	m, store := newTestExpiry(t)

	store.Lock()
	for i := 0; i < 30; i++ {
		k := fmt.Sprintf("dead:%d", i)
		store.Set(k, "v")
		store.SetDeadline(k, time.Now().Add(-time.Hour))
	}
	store.Unlock()

	require.NoError(t, m.Start())
	defer m.Stop()

	require.Eventually(t, func() bool {
		store.Lock()
		defer store.Unlock()
		return store.Len() == 0
	}, 5*time.Second, 50*time.Millisecond)
}
