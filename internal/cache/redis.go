package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-gateway/internal/reliability"
	"github.com/glimte/mmate-gateway/store"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "gateway:collections:"

// Redis is a Collections cache shared by every gateway process.
type Redis struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	retry     reliability.RetryPolicy
	logger    *slog.Logger
}

// RedisOption configures the Redis cache.
type RedisOption func(*Redis)

// WithKeyPrefix overrides the key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.keyPrefix = prefix
	}
}

// WithRedisLogger sets the logger.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(r *Redis) {
		r.logger = logger
	}
}

// NewRedis creates a cache storing listings in client for ttl.
func NewRedis(client redis.UniversalClient, ttl time.Duration, options ...RedisOption) *Redis {
	r := &Redis{
		client:    client,
		keyPrefix: defaultKeyPrefix,
		ttl:       ttl,
		retry: reliability.NewExponentialBackoff(50*time.Millisecond, time.Second, 2, 2).
			WithClassifier(isRetryableRedisError),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

func isRetryableRedisError(err error) bool {
	return !errors.Is(err, redis.Nil)
}

// Get implements Collections.
func (r *Redis) Get(ctx context.Context, token string) ([]store.CollectionInfo, error) {
	key := r.keyPrefix + HashKey(token)
	var raw []byte
	err := reliability.Retry(ctx, "redis get", r.retry, func() error {
		var getErr error
		raw, getErr = r.client.Get(ctx, key).Bytes()
		return getErr
	})
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		r.logger.Error("redis get failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to read collections cache: %w", err)
	}
	var list []store.CollectionInfo
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("failed to decode collections cache: %w", err)
	}
	return list, nil
}

// Set implements Collections.
func (r *Redis) Set(ctx context.Context, token string, collections []store.CollectionInfo) error {
	raw, err := json.Marshal(collections)
	if err != nil {
		return fmt.Errorf("failed to encode collections: %w", err)
	}
	key := r.keyPrefix + HashKey(token)
	err = reliability.Retry(ctx, "redis set", r.retry, func() error {
		return r.client.Set(ctx, key, raw, r.ttl).Err()
	})
	if err != nil {
		r.logger.Error("redis set failed", "key", key, "error", err)
		return fmt.Errorf("failed to write collections cache: %w", err)
	}
	return nil
}
