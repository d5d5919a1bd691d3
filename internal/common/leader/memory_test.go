package leader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryLockSingleHolder(t *testing.T) {
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	lock := NewMemoryLock().WithClock(clock.Now)
	ctx := context.Background()

	ok, err := lock.TryAcquire(ctx, DefaultKey, "a", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lock.TryAcquire(ctx, DefaultKey, "b", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second instance must not acquire a live lease")

	ok, err = lock.TryAcquire(ctx, DefaultKey, "a", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "holder re-acquires")

	holder, err := lock.GetHolder(ctx, DefaultKey)
	require.NoError(t, err)
	assert.Equal(t, "a", holder)
}

func TestMemoryLockExpiry(t *testing.T) {
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	lock := NewMemoryLock().WithClock(clock.Now)
	ctx := context.Background()

	_, err := lock.TryAcquire(ctx, DefaultKey, "a", 30*time.Second)
	require.NoError(t, err)

	clock.Advance(31 * time.Second)

	assert.ErrorIs(t, lock.Refresh(ctx, DefaultKey, "a", 30*time.Second), ErrNotHeld)

	holder, err := lock.GetHolder(ctx, DefaultKey)
	require.NoError(t, err)
	assert.Empty(t, holder)

	ok, err := lock.TryAcquire(ctx, DefaultKey, "b", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLockRefreshAndRelease(t *testing.T) {
	clock := &manualClock{now: time.Unix(1700000000, 0)}
	lock := NewMemoryLock().WithClock(clock.Now)
	ctx := context.Background()

	_, err := lock.TryAcquire(ctx, DefaultKey, "a", 30*time.Second)
	require.NoError(t, err)

	clock.Advance(20 * time.Second)
	require.NoError(t, lock.Refresh(ctx, DefaultKey, "a", 30*time.Second))
	clock.Advance(20 * time.Second)

	ok, err := lock.TryAcquire(ctx, DefaultKey, "b", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "refresh extended the lease")

	assert.ErrorIs(t, lock.Release(ctx, DefaultKey, "b"), ErrNotHeld)
	require.NoError(t, lock.Release(ctx, DefaultKey, "a"))

	ok, err = lock.TryAcquire(ctx, DefaultKey, "b", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLockOutage(t *testing.T) {
	lock := NewMemoryLock()
	ctx := context.Background()

	lock.SetAvailable(false)
	assert.False(t, lock.IsAvailable(ctx))

	_, err := lock.TryAcquire(ctx, DefaultKey, "a", time.Second)
	assert.Error(t, err)
	assert.Error(t, lock.Refresh(ctx, DefaultKey, "a", time.Second))

	lock.SetAvailable(true)
	ok, err := lock.TryAcquire(ctx, DefaultKey, "a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDefaultInstanceIDIsUnique(t *testing.T) {
	assert.NotEqual(t, DefaultInstanceID(), DefaultInstanceID())
}
