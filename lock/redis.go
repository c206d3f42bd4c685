package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker on a shared Redis instance.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker creates a locker. prefix namespaces every key (may be empty).
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

func (r *RedisLocker) buildKey(key string) string {
	return r.prefix + key
}

// Acquire uses SetNX so the check and the write are one atomic step.
func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := newToken()
	ok, err := r.client.SetNX(ctx, r.buildKey(key), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to set lock key: %w", err)
	}
	if !ok {
		return "", ErrNotAcquired
	}
	return token, nil
}

func (r *RedisLocker) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{r.buildKey(key)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release lock key: %w", err)
	}
	return n == 1, nil
}
