// Package lock provides the Redis job lock used by the digest runner when
// JOB_LOCK_BACKEND=redis. It has the same Acquire/Release contract as the
// job_locks table repository.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"qsldigest/internal/types"
)

// keyPrefix namespaces lock keys in a shared Redis.
const keyPrefix = "qsldigest:joblock:"

// releaseScript deletes the key only while it still holds the caller's
// worker id, so an expired lock taken over by another worker is left alone.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Client is the subset of *redis.Client the locker uses.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisLocker is a single-instance Redis lease lock.
type RedisLocker struct {
	client Client
}

// NewRedisLocker wraps client.
func NewRedisLocker(client Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// NewRedisClient parses a redis:// or rediss:// URL and verifies the
// connection with PING.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("lock: parsing redis url: %w", err)
	}
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 8 * time.Millisecond
	opts.MaxRetryBackoff = 512 * time.Millisecond

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("lock: redis ping failed: %w", err)
	}
	return client, nil
}

// Acquire sets the lock key to workerID with a ttl lease if it is absent.
// It returns false when another worker holds a live lease.
func (l *RedisLocker) Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, keyPrefix+lockID, workerID, ttl).Result()
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to acquire redis job lock", err)
	}
	return ok, nil
}

// Release removes the lock if workerID still owns it.
func (l *RedisLocker) Release(ctx context.Context, lockID string, workerID string) error {
	err := l.client.Eval(ctx, releaseScript, []string{keyPrefix + lockID}, workerID).Err()
	if err != nil && err != redis.Nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to release redis job lock", err)
	}
	return nil
}
