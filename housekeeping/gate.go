// Package housekeeping runs the periodic maintenance pass: instance
// autocreation, index upkeep, search name backfill, database usage
// accounting and quota enforcement.
package housekeeping

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Gate decides whether a housekeeping pass may start. TryAcquire records the
// start time before reporting success, so a caller that wins the gate owns
// the pass even when it fails halfway.
type Gate interface {
	TryAcquire(ctx context.Context, now time.Time, interval time.Duration) (bool, error)
	Reset(ctx context.Context) error
}

// MemoryGate is a process local gate.
type MemoryGate struct {
	last atomic.Int64
}

// NewMemoryGate creates a gate that has never run.
func NewMemoryGate() *MemoryGate {
	return &MemoryGate{}
}

// TryAcquire implements Gate.
func (g *MemoryGate) TryAcquire(_ context.Context, now time.Time, interval time.Duration) (bool, error) {
	for {
		last := g.last.Load()
		if last != 0 && now.Sub(time.Unix(0, last)) < interval {
			return false, nil
		}
		if g.last.CompareAndSwap(last, now.UnixNano()) {
			return true, nil
		}
	}
}

// Reset implements Gate.
func (g *MemoryGate) Reset(context.Context) error {
	g.last.Store(0)
	return nil
}

// LastRun returns the start of the last acquired pass.
func (g *MemoryGate) LastRun() time.Time {
	last := g.last.Load()
	if last == 0 {
		return time.Time{}
	}
	return time.Unix(0, last)
}

const defaultGateKey = "gateway:housekeeping:last"

// RedisGate shares the gate between gateway processes. The key expires after
// the interval, so the first SET NX after expiry wins.
type RedisGate struct {
	client redis.UniversalClient
	key    string
}

// NewRedisGate creates a gate stored under key. An empty key uses the default.
func NewRedisGate(client redis.UniversalClient, key string) *RedisGate {
	if key == "" {
		key = defaultGateKey
	}
	return &RedisGate{client: client, key: key}
}

// TryAcquire implements Gate.
func (g *RedisGate) TryAcquire(ctx context.Context, now time.Time, interval time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.key, strconv.FormatInt(now.UnixNano(), 10), interval).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire housekeeping gate: %w", err)
	}
	return ok, nil
}

// Reset implements Gate.
func (g *RedisGate) Reset(ctx context.Context) error {
	if err := g.client.Del(ctx, g.key).Err(); err != nil {
		return fmt.Errorf("failed to reset housekeeping gate: %w", err)
	}
	return nil
}

var (
	_ Gate = (*MemoryGate)(nil)
	_ Gate = (*RedisGate)(nil)
)
