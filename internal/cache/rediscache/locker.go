package rediscache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Only the holder of the token may delete the lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker implements leases with SET NX PX. A lease that is never released
// expires after its TTL so a crashed holder cannot wedge other replicas.
type Locker struct {
	c      *redis.Client
	prefix string
}

func NewLocker(c *redis.Client, prefix string) *Locker {
	return &Locker{c: c, prefix: prefix}
}

func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	key = l.prefix + key
	token := uuid.NewString()
	ok, err := l.c.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return func() {}, false, errors.Wrap(err, "redis lock")
	}
	if !ok {
		return func() {}, false, nil
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.c, []string{key}, token).Err()
	}
	return release, true, nil
}
