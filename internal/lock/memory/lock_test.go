package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestManagerTryLockIsExclusive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	a := New("owner-a", time.Minute, clock)
	b := a.ForOwner("owner-b")

	ok, err := a.TryLock(ctx, "src")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryLock(ctx, "src")
	require.NoError(t, err)
	require.False(t, ok, "held lock must not be re-acquired")

	ok, err = a.TryLock(ctx, "src")
	require.NoError(t, err)
	require.False(t, ok, "same owner does not re-enter")

	holder, held := a.Holder("src")
	require.True(t, held)
	require.Equal(t, "owner-a", holder.OwnerID)
}

func TestManagerReleaseForeignOwnerIsNoop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := New("owner-a", time.Minute, nil)
	b := a.ForOwner("owner-b")

	ok, err := a.TryLock(ctx, "src")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Release(ctx, "src"))
	_, held := a.Holder("src")
	require.True(t, held)

	require.NoError(t, a.Release(ctx, "src"))
	_, held = a.Holder("src")
	require.False(t, held)

	require.NoError(t, a.Release(ctx, "absent"))
}

func TestManagerExpiredLockIsReclaimed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	a := New("owner-a", time.Minute, clock)
	b := a.ForOwner("owner-b")

	ok, _ := a.TryLock(ctx, "src")
	require.True(t, ok)

	clock.Advance(61 * time.Second)
	ok, err := b.TryLock(ctx, "src")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.Release(ctx, "src"))
	holder, held := a.Holder("src")
	require.True(t, held, "stale owner must not release the new holder's lock")
	require.Equal(t, "owner-b", holder.OwnerID)
}

func TestManagerConcurrentAcquireSingleWinner(t *testing.T) {
	t.Parallel()

	m := New("shared", time.Minute, nil)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := m.TryLock(context.Background(), "src"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}
