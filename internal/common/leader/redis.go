package leader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLock stores leases as keys with SET NX PX
type RedisLock struct {
	client redis.UniversalClient
}

// NewRedisLock creates a lock over client. The client is owned by the caller.
func NewRedisLock(client redis.UniversalClient) *RedisLock {
	return &RedisLock{client: client}
}

func (r *RedisLock) TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, instanceID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	if ok {
		return true, nil
	}

	// Re-entrant: extend a lease we already hold
	if err := r.Refresh(ctx, key, instanceID, ttl); err != nil {
		if errors.Is(err, ErrNotHeld) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *RedisLock) Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, r.client, []string{key}, instanceID, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to refresh lease %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (r *RedisLock) Release(ctx context.Context, key, instanceID string) error {
	n, err := releaseScript.Run(ctx, r.client, []string{key}, instanceID).Int()
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (r *RedisLock) GetHolder(ctx context.Context, key string) (string, error) {
	holder, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read lease %s: %w", key, err)
	}
	return holder, nil
}

func (r *RedisLock) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.client.Ping(ctx).Err() == nil
}

func (r *RedisLock) Close() error {
	return nil
}
