package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockScript deletes the key only while this holder still owns it, so an
// instance cannot release a lease that already expired and was re-acquired
// by someone else.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX leases. The holder token
// identifies this instance; the lease expires on its own if the holder
// crashes.
type RedisLocker struct {
	client *redis.Client
	holder string
}

// NewRedisLocker constructs a locker with a fresh holder identity.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, holder: uuid.NewString()}
}

// TryLock acquires key for ttl with zero wait.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, l.holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("try lock %s: %w", key, err)
	}
	return ok, nil
}

// Unlock releases key if still held by this instance.
func (l *RedisLocker) Unlock(ctx context.Context, key string) error {
	if err := unlockScript.Run(ctx, l.client, []string{key}, l.holder).Err(); err != nil {
		return fmt.Errorf("unlock %s: %w", key, err)
	}
	return nil
}
