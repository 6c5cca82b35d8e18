package maintenance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// Lease grants one holder the right to run a job for ttl. Holders do not
// release early: the lease expiring is what opens the next window.
type Lease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
}

// RedisLease coordinates jobs across instances with SET NX PX.
type RedisLease struct {
	rdb    redis.UniversalClient
	prefix string
	owner  string
}

// NewRedisLease creates a lease keyed under prefix (default "latch:lease:").
func NewRedisLease(rdb redis.UniversalClient, prefix string) *RedisLease {
	if prefix == "" {
		prefix = "latch:lease:"
	}
	return &RedisLease{rdb: rdb, prefix: prefix, owner: ulid.Make().String()}
}

func (l *RedisLease) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, l.prefix+name, l.owner, ttl).Result()
}

// Holder returns the owner id stored under name, or "" when the lease is free.
func (l *RedisLease) Holder(ctx context.Context, name string) (string, error) {
	v, err := l.rdb.Get(ctx, l.prefix+name).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

// LocalLease is the single-process fallback when no Redis is configured.
type LocalLease struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

func NewLocalLease(now func() time.Time) *LocalLease {
	if now == nil {
		now = time.Now
	}
	return &LocalLease{until: make(map[string]time.Time), now: now}
}

func (l *LocalLease) Acquire(_ context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if until, ok := l.until[name]; ok && now.Before(until) {
		return false, nil
	}
	l.until[name] = now.Add(ttl)
	return true, nil
}
