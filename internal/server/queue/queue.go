// Package queue defines the downstream queue-publisher port and its
// Redis implementation.
package queue

import "context"

// Publisher pushes work to the download worker queue. Enqueue is used on
// the task path and may fail transiently; Publish is the relay-facing
// variant whose boolean reports acceptance by the broker.
type Publisher interface {
	Enqueue(ctx context.Context, taskID string) error
	Publish(ctx context.Context, payload []byte) (bool, error)
}
