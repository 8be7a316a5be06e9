package locker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// EntityLock serializes processing per (shop, entity) across worker
// instances. Snapshot reads and writes for one entity must not interleave or
// the diff could run against a baseline that already reflects newer state.
type EntityLock struct {
	client *redis.Client
	ttl    time.Duration
}

func New(client *redis.Client, ttl time.Duration) *EntityLock {
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &EntityLock{client: client, ttl: ttl}
}

func lockKey(shop, entityID string) string {
	return fmt.Sprintf("lock:entity:%s:%s", shop, entityID)
}

// Acquire takes the entity lock if free. The returned token must be passed
// back to Release so one holder cannot release another's lock.
func (l *EntityLock) Acquire(ctx context.Context, shop, entityID string) (string, bool, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, lockKey(shop, entityID), token, l.ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release frees the lock only while this holder still owns it.
func (l *EntityLock) Release(ctx context.Context, shop, entityID, token string) error {
	return releaseScript.Run(ctx, l.client, []string{lockKey(shop, entityID)}, token).Err()
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
