package listener

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers which events were already handled.
type Deduper interface {
	// FirstSeen records key and reports whether it was new.
	FirstSeen(ctx context.Context, key string) (bool, error)
}

// setNXer is the part of the Redis client used for de-duplication.
type setNXer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisDeduper keeps seen keys in Redis so that several listener
// instances share them.
type RedisDeduper struct {
	client setNXer
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper creates a RedisDeduper. Keys expire after ttl.
func NewRedisDeduper(client setNXer, prefix string, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl}
}

func (d *RedisDeduper) FirstSeen(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+key, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: failed to set key: %w", err)
	}

	return ok, nil
}

// MemoryDeduper keeps seen keys in process memory. Expired keys are
// swept at most once per ttl.
type MemoryDeduper struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	ttl       time.Duration
	now       func() time.Time
	lastSweep time.Time
}

// NewMemoryDeduper creates a MemoryDeduper. A zero ttl keeps keys forever.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

func (d *MemoryDeduper) FirstSeen(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.sweepLocked(now)

	if at, ok := d.seen[key]; ok && (d.ttl == 0 || now.Sub(at) < d.ttl) {
		return false, nil
	}
	d.seen[key] = now

	return true, nil
}

// Len returns the number of keys currently held.
func (d *MemoryDeduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.seen)
}

func (d *MemoryDeduper) sweepLocked(now time.Time) {
	if d.ttl == 0 || now.Sub(d.lastSweep) < d.ttl {
		return
	}
	d.lastSweep = now

	for key, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, key)
		}
	}
}
