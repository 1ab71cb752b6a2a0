package api

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// HeaderIdempotencyKey lets trigger producers retry without publishing twice.
const HeaderIdempotencyKey = "Idempotency-Key"

// Deduper remembers idempotency keys of accepted triggers.
type Deduper interface {
	// Add records key and reports whether it was new.
	Add(ctx context.Context, key string) (bool, error)
	// Remove forgets key so a failed trigger can be retried.
	Remove(ctx context.Context, key string) error
}

// RedisDeduper keeps keys in Redis so every instance sees them.
type RedisDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, prefix: "trigger:", ttl: ttl}
}

func (r *RedisDeduper) Add(ctx context.Context, key string) (bool, error) {
	return r.client.SetNX(ctx, r.prefix+key, 1, r.ttl).Result()
}

func (r *RedisDeduper) Remove(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}
