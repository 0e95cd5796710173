package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/fileflow/fileflow/internal/common"
	"github.com/fileflow/fileflow/internal/dbx"
	"github.com/fileflow/fileflow/internal/server/models"
)

// PostgresRepository implements outbox storage over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Insert stores a PENDING row. Call it with the same DBTX (transaction)
// used for the owning aggregate write.
func (r *PostgresRepository) Insert(ctx context.Context, m *models.OutboxMessage) error {
	query := `
		INSERT INTO outbox_messages (id, kind, aggregate_id, payload, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		m.ID, m.Kind, m.AggregateID, m.Payload, m.Status, m.Attempts, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// FindUnpublished returns up to limit PENDING rows, oldest first.
func (r *PostgresRepository) FindUnpublished(ctx context.Context, limit int) ([]*models.OutboxMessage, error) {
	query := `
		SELECT id, kind, aggregate_id, payload, status, attempts, created_at, published_at
		FROM outbox_messages
		WHERE status = 'PENDING'
		ORDER BY created_at
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.OutboxMessage
	for rows.Next() {
		var m models.OutboxMessage
		if err := rows.Scan(&m.ID, &m.Kind, &m.AggregateID, &m.Payload, &m.Status, &m.Attempts, &m.CreatedAt, &m.PublishedAt); err != nil {
			return nil, err
		}
		result = append(result, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkSent finalizes one processing attempt as delivered. The status guard
// in the WHERE clause keeps a row from being finalized twice.
func (r *PostgresRepository) MarkSent(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE outbox_messages
		SET status = 'SENT', attempts = attempts + 1, published_at = $1
		WHERE id = $2 AND status = 'PENDING'
	`
	return r.finalize(ctx, query, at, id)
}

// MarkFailed finalizes one processing attempt as failed. The row becomes
// eligible again only through ResetForRetry.
func (r *PostgresRepository) MarkFailed(ctx context.Context, id string) error {
	query := `
		UPDATE outbox_messages
		SET status = 'FAILED', attempts = attempts + 1
		WHERE id = $1 AND status = 'PENDING'
	`
	return r.finalize(ctx, query, id)
}

func (r *PostgresRepository) finalize(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrStateConflict
	}
	return nil
}

// ResetForRetry flips FAILED rows with fewer than maxAttempts attempts
// back to PENDING, oldest first, and reports how many were reset.
func (r *PostgresRepository) ResetForRetry(ctx context.Context, maxAttempts int, limit int) (int64, error) {
	query := `
		UPDATE outbox_messages
		SET status = 'PENDING'
		WHERE id IN (
			SELECT id FROM outbox_messages
			WHERE status = 'FAILED' AND attempts < $1
			ORDER BY created_at
			LIMIT $2
		)
	`
	res, err := r.db.ExecContext(ctx, query, maxAttempts, limit)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}
