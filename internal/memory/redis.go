package memory

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisCacheBackend optionally mirrors every Store call's value to a single
// Redis node, selected purely by configuration (§ DOMAIN STACK: "the
// same way the teacher's security.RateLimitConfig picks Redis when
// RedisAddr is set"). It never becomes the source of truth — the
// sqlite-backed store always remains authoritative — so this stays a
// single-host cache tier, not distributed operation (Non-goals).
type RedisCacheBackend struct {
	client *redis.Client
	logger *logrus.Logger
}

// NewRedisCacheBackend dials addr. Connection errors are not fatal: the
// caller falls back to the in-memory-only write-behind path.
func NewRedisCacheBackend(addr string, logger *logrus.Logger) (*RedisCacheBackend, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCacheBackend{client: client, logger: logger}, nil
}

// Mirror writes a key's serialized value into Redis with the given TTL
// (0 = no expiry), best-effort.
func (b *RedisCacheBackend) Mirror(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) {
	if b == nil || b.client == nil {
		return
	}
	fullKey := namespace + ":" + key
	if err := b.client.Set(ctx, fullKey, value, ttl).Err(); err != nil {
		b.logger.WithError(err).Debug("redis mirror write failed")
	}
}

// Get reads a mirrored value, returning (nil, false) on miss or error.
func (b *RedisCacheBackend) Get(ctx context.Context, namespace, key string) ([]byte, bool) {
	if b == nil || b.client == nil {
		return nil, false
	}
	fullKey := namespace + ":" + key
	val, err := b.client.Get(ctx, fullKey).Bytes()
	if err != nil {
		return nil, false
	}
	return val, true
}

// Close releases the underlying connection pool.
func (b *RedisCacheBackend) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
