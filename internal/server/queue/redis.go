package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher pushes messages onto a Redis list consumed by download
// workers with BRPOP.
type RedisPublisher struct {
	client *redis.Client
	key    string
}

// NewRedisPublisher constructs a publisher writing to the given list key.
func NewRedisPublisher(client *redis.Client, key string) *RedisPublisher {
	return &RedisPublisher{client: client, key: key}
}

// Enqueue pushes the task id onto the queue.
func (p *RedisPublisher) Enqueue(ctx context.Context, taskID string) error {
	if err := p.client.LPush(ctx, p.key, taskID).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", taskID, err)
	}
	return nil
}

// Publish pushes an opaque payload onto the queue. Redis either accepts
// the push or errors, so a nil error always means accepted.
func (p *RedisPublisher) Publish(ctx context.Context, payload []byte) (bool, error) {
	if err := p.client.LPush(ctx, p.key, payload).Err(); err != nil {
		return false, fmt.Errorf("publish: %w", err)
	}
	return true, nil
}
