package models

import (
	"encoding/json"
	"time"
)

// OutboxStatus is the delivery state of an outbox row. PENDING is the only
// non-terminal state; one processing attempt moves the row to exactly one
// of SENT or FAILED.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "PENDING"
	OutboxSent    OutboxStatus = "SENT"
	OutboxFailed  OutboxStatus = "FAILED"
)

// OutboxKind selects the downstream effect the relay performs for a row.
type OutboxKind string

const (
	// OutboxEnqueue pushes the owning download task onto the worker queue.
	OutboxEnqueue OutboxKind = "download.enqueue"
	// OutboxPublish publishes an opaque event payload to the queue.
	OutboxPublish OutboxKind = "event.publish"
	// OutboxCallback delivers the payload to a client-supplied HTTP URL.
	OutboxCallback OutboxKind = "callback"
)

// OutboxMessage is a transactional-outbox row. It is inserted in the same
// transaction as the aggregate change that produced it, so a committed
// change is eventually delivered even if the process dies before the relay
// runs.
type OutboxMessage struct {
	ID          string
	Kind        OutboxKind
	AggregateID string
	Payload     []byte
	Status      OutboxStatus
	Attempts    int
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// NewOutboxMessage creates a PENDING row owned by the given aggregate.
func NewOutboxMessage(id string, kind OutboxKind, aggregateID string, payload []byte, now time.Time) OutboxMessage {
	return OutboxMessage{
		ID:          id,
		Kind:        kind,
		AggregateID: aggregateID,
		Payload:     payload,
		Status:      OutboxPending,
		CreatedAt:   now,
	}
}

// CallbackPayload is the payload shape of OutboxCallback rows: where to
// POST and what to send. The body itself stays opaque to the relay.
type CallbackPayload struct {
	URL  string          `json:"url"`
	Body json.RawMessage `json:"body"`
}

// UploadCompletedEvent is the payload written when a session completes.
// Consumers (image optimization and the like) receive it via the queue.
type UploadCompletedEvent struct {
	SessionID   string `json:"session_id"`
	Kind        string `json:"kind"`
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	AccessType  string `json:"access_type"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	FileSize    int64  `json:"file_size"`
	ETag        string `json:"etag"`
	CompletedAt string `json:"completed_at"`
}
