package sessionstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type acquirer interface {
	Acquire(ctx context.Context, key string) (ReleaseFunc, error)
}

// assertSerialized runs concurrent critical sections on one key and checks
// that none overlap.
func assertSerialized(t *testing.T, l acquirer) {
	t.Helper()
	var (
		inside  atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), "sess")
			if !assert.NoError(t, err) {
				return
			}
			if inside.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			assert.NoError(t, release(context.Background()))
		}()
	}
	wg.Wait()
	assert.False(t, overlap.Load(), "critical sections overlapped")
}

func TestMemoryLocker_Serializes(t *testing.T) {
	l := NewMemoryLocker()
	assertSerialized(t, l)
	assert.Empty(t, l.slots)
}

func TestMemoryLocker_DistinctKeysDoNotBlock(t *testing.T) {
	l := NewMemoryLocker()
	r1, err := l.Acquire(t.Context(), "a")
	require.NoError(t, err)
	r2, err := l.Acquire(t.Context(), "b")
	require.NoError(t, err)
	require.NoError(t, r1(t.Context()))
	require.NoError(t, r2(t.Context()))
}

func TestMemoryLocker_ContextCancel(t *testing.T) {
	l := NewMemoryLocker()
	release, err := l.Acquire(t.Context(), "sess")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "sess")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, release(t.Context()))
	require.NoError(t, release(t.Context()))
	assert.Empty(t, l.slots)
}

func TestRedisLocker_Serializes(t *testing.T) {
	_, client := newRedis(t)
	l, err := NewRedisLocker(client, RedisLockOptions{TTL: 5 * time.Second, RetryInterval: time.Millisecond}, nil)
	require.NoError(t, err)
	assertSerialized(t, l)
}

func TestRedisLocker_WaitsUntilContextDone(t *testing.T) {
	mr, client := newRedis(t)
	l, err := NewRedisLocker(client, RedisLockOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultRedisLockOptions(), l.opts)

	release, err := l.Acquire(t.Context(), "sess")
	require.NoError(t, err)
	assert.True(t, mr.Exists("session-lock:sess"))

	ctx, cancel := context.WithTimeout(t.Context(), 80*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "sess")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, release(t.Context()))
	assert.False(t, mr.Exists("session-lock:sess"))
}

func TestRedisLocker_ExpiredLockIsNotReleasedByOldHolder(t *testing.T) {
	mr, client := newRedis(t)
	l, err := NewRedisLocker(client, RedisLockOptions{TTL: time.Second, RetryInterval: time.Millisecond}, nil)
	require.NoError(t, err)

	stale, err := l.Acquire(t.Context(), "sess")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	current, err := l.Acquire(t.Context(), "sess")
	require.NoError(t, err)

	require.ErrorIs(t, stale(t.Context()), ErrLockNotHeld)
	assert.True(t, mr.Exists("session-lock:sess"))
	require.NoError(t, current(t.Context()))
}

func TestRedisLocker_RenewsWhileHeld(t *testing.T) {
	mr, client := newRedis(t)
	l, err := NewRedisLocker(client, RedisLockOptions{
		TTL:           time.Second,
		RetryInterval: time.Millisecond,
		RenewInterval: 20 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	release, err := l.Acquire(t.Context(), "sess")
	require.NoError(t, err)

	// Well past the TTL in total, but each step is shorter than it.
	for i := 0; i < 4; i++ {
		mr.FastForward(700 * time.Millisecond)
		require.Eventually(t, func() bool {
			return mr.TTL("session-lock:sess") > 700*time.Millisecond
		}, time.Second, 5*time.Millisecond)
	}
	require.True(t, mr.Exists("session-lock:sess"))

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "sess")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, release(t.Context()))
	assert.False(t, mr.Exists("session-lock:sess"))
	require.ErrorIs(t, release(t.Context()), ErrLockNotHeld)
}

func TestNewRedisLocker_RenewIntervalDefaults(t *testing.T) {
	_, client := newRedis(t)
	l, err := NewRedisLocker(client, RedisLockOptions{TTL: 3 * time.Second, RenewInterval: 5 * time.Second}, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Second, l.opts.RenewInterval)
}

func TestNewRedisLocker_NilClient(t *testing.T) {
	_, err := NewRedisLocker(nil, DefaultRedisLockOptions(), nil)
	require.Error(t, err)
}
