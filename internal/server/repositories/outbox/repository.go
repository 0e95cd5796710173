package outbox

import (
	"context"
	"time"

	"github.com/fileflow/fileflow/internal/server/models"
)

// Repository persists outbox rows. Insert runs inside the transaction of
// the aggregate change that produced the row; MarkSent and MarkFailed
// record the outcome of exactly one processing attempt.
type Repository interface {
	Insert(ctx context.Context, m *models.OutboxMessage) error
	FindUnpublished(ctx context.Context, limit int) ([]*models.OutboxMessage, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string) error
	ResetForRetry(ctx context.Context, maxAttempts int, limit int) (int64, error)
}
