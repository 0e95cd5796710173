package downloads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fileflow/fileflow/internal/common"
	"github.com/fileflow/fileflow/internal/dbx"
	"github.com/fileflow/fileflow/internal/server/models"
)

// PostgresRepository implements download-task storage over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Insert stores a new download task with version 1.
func (r *PostgresRepository) Insert(ctx context.Context, d *models.ExternalDownload) error {
	query := `
		INSERT INTO external_downloads
			(id, session_id, source_url, bucket, key, callback_url,
			 status, retry_count, max_retries, last_error, version,
			 created_at, updated_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, $12, $13, $14)
	`
	_, err := r.db.ExecContext(ctx, query,
		d.ID, d.SessionID, d.SourceURL, d.Bucket, d.Key, nullString(d.CallbackURL),
		d.Status, d.RetryCount, d.MaxRetries, nullString(d.LastError),
		d.CreatedAt, d.UpdatedAt, nullTime(d.StartedAt), nullTime(d.CompletedAt))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	d.Version = 1
	return nil
}

// Update writes the task only if the stored version equals d.Version.
func (r *PostgresRepository) Update(ctx context.Context, d *models.ExternalDownload) error {
	query := `
		UPDATE external_downloads
		SET status = $1, retry_count = $2, last_error = $3, updated_at = $4,
			started_at = $5, completed_at = $6, version = version + 1
		WHERE id = $7 AND version = $8
	`
	res, err := r.db.ExecContext(ctx, query,
		d.Status, d.RetryCount, nullString(d.LastError), d.UpdatedAt,
		nullTime(d.StartedAt), nullTime(d.CompletedAt), d.ID, d.Version)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		d.Version++
		return nil
	case 0:
		return common.ErrVersionConflict
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}

const selectColumns = `id, session_id, source_url, bucket, key, callback_url,
		status, retry_count, max_retries, last_error, version,
		created_at, updated_at, started_at, completed_at`

// GetByID returns the task or common.ErrNotFound.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.ExternalDownload, error) {
	query := `SELECT ` + selectColumns + ` FROM external_downloads WHERE id = $1`
	d, err := scanDownload(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return d, nil
}

// FindStale returns up to limit tasks in the given status whose last
// update is older than the given instant, oldest first. Used by the
// zombie sweep with status PROCESSING.
func (r *PostgresRepository) FindStale(ctx context.Context, status models.DownloadStatus, before time.Time, limit int) ([]*models.ExternalDownload, error) {
	query := `SELECT ` + selectColumns + `
		FROM external_downloads
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, status, before, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.ExternalDownload
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDownload(row rowScanner) (*models.ExternalDownload, error) {
	var (
		d           models.ExternalDownload
		callbackURL sql.NullString
		lastError   sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(
		&d.ID, &d.SessionID, &d.SourceURL, &d.Bucket, &d.Key, &callbackURL,
		&d.Status, &d.RetryCount, &d.MaxRetries, &lastError, &d.Version,
		&d.CreatedAt, &d.UpdatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	d.CallbackURL = callbackURL.String
	d.LastError = lastError.String
	if startedAt.Valid {
		t := startedAt.Time
		d.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		d.CompletedAt = &t
	}
	return &d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
