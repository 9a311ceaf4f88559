package api

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	dedupeKeyPrefix     = "idem"
	idempotencyKeyLimit = 128
	headerIdempotency   = "Idempotency-Key"
)

// RedisDeduper stores seen idempotency keys in Redis so a repeated submit of
// the same draft creates one task even across instances.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(sessionID, key string) string {
	return sessionID + ":" + dedupeKeyPrefix + ":" + key
}

// Add records the key if it does not already exist. It returns true when the
// key was newly added.
func (r *RedisDeduper) Add(ctx context.Context, sessionID, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(sessionID, key), 1, r.ttl).Result()
}

// Remove deletes a previously recorded key so the caller may retry.
func (r *RedisDeduper) Remove(ctx context.Context, sessionID, key string) error {
	return r.client.Del(ctx, r.key(sessionID, key)).Err()
}
