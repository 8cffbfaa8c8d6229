package rediscache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func TestRedisCache_GetSetDelete(t *testing.T) {
	_, rc := newClient(t)
	c := NewWithClient(rc, "")

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))

	b, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), b)

	require.NoError(t, c.Delete(ctx, "k"))
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisCache_Prefix(t *testing.T) {
	mr, rc := newClient(t)
	c := NewWithClient(rc, "delivery:")

	require.NoError(t, c.Set(context.Background(), "sync:last", []byte("x"), time.Minute))
	require.True(t, mr.Exists("delivery:sync:last"))
}

func TestRateLimiter_Allow(t *testing.T) {
	mr, rc := newClient(t)
	rl := NewRateLimiter(rc, "")

	ctx := context.Background()
	ok, n, err := rl.Allow(ctx, "rl:test", 2, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), n)

	ok, n, _ = rl.Allow(ctx, "rl:test", 2, time.Minute)
	require.True(t, ok)
	require.Equal(t, int64(2), n)

	ok, n, _ = rl.Allow(ctx, "rl:test", 2, time.Minute)
	require.False(t, ok)
	require.Equal(t, int64(3), n)

	mr.FastForward(time.Minute)
	ok, n, _ = rl.Allow(ctx, "rl:test", 2, time.Minute)
	require.True(t, ok)
	require.Equal(t, int64(1), n)
}

func TestLocker_Exclusive(t *testing.T) {
	mr, rc := newClient(t)
	l := NewLocker(rc, "lock:")
	ctx := context.Background()

	release, ok, err := l.Acquire(ctx, "sync", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, "sync", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	release()
	require.False(t, mr.Exists("lock:sync"))

	_, ok, err = l.Acquire(ctx, "sync", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLocker_ExpiredLeaseIsNotReleasedByOldHolder(t *testing.T) {
	mr, rc := newClient(t)
	l := NewLocker(rc, "")
	ctx := context.Background()

	releaseOld, ok, err := l.Acquire(ctx, "order:1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = l.Acquire(ctx, "order:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	releaseOld()
	require.True(t, mr.Exists("order:1"))
}
