package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fileflow/fileflow/internal/common"
	"github.com/fileflow/fileflow/internal/dbx"
	"github.com/fileflow/fileflow/internal/server/models"
)

// PostgresRepository implements session storage over a dbx.DBTX
// (*sql.DB or *sql.Tx). Completed parts are stored as a jsonb column.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Insert stores a new session with version 1.
func (r *PostgresRepository) Insert(ctx context.Context, s *models.UploadSession) error {
	parts, err := json.Marshal(s.Parts)
	if err != nil {
		return fmt.Errorf("marshal parts: %w", err)
	}
	query := `
		INSERT INTO upload_sessions
			(id, kind, bucket, key, access_type, file_name, content_type, file_size,
			 status, version, created_at, updated_at, expires_at,
			 upload_id, part_size, total_parts, parts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = r.db.ExecContext(ctx, query,
		s.ID, s.Kind, s.Bucket, s.Key, s.AccessType, s.FileName, s.ContentType, s.FileSize,
		s.Status, s.CreatedAt, s.UpdatedAt, s.ExpiresAt,
		nullIfEmpty(s.UploadID), s.PartSize, s.TotalParts, parts)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	s.Version = 1
	return nil
}

// Update writes the session only if the stored version equals s.Version.
// Zero rows affected means another writer won; ErrVersionConflict is
// returned and s is left unchanged.
func (r *PostgresRepository) Update(ctx context.Context, s *models.UploadSession) error {
	parts, err := json.Marshal(s.Parts)
	if err != nil {
		return fmt.Errorf("marshal parts: %w", err)
	}
	query := `
		UPDATE upload_sessions
		SET status = $1, updated_at = $2, upload_id = $3, parts = $4, version = version + 1
		WHERE id = $5 AND version = $6
	`
	res, err := r.db.ExecContext(ctx, query,
		s.Status, s.UpdatedAt, nullIfEmpty(s.UploadID), parts, s.ID, s.Version)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		s.Version++
		return nil
	case 0:
		return common.ErrVersionConflict
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}

const selectColumns = `id, kind, bucket, key, access_type, file_name, content_type, file_size,
		status, version, created_at, updated_at, expires_at,
		upload_id, part_size, total_parts, parts`

// GetByID returns the session or common.ErrNotFound.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.UploadSession, error) {
	query := `SELECT ` + selectColumns + ` FROM upload_sessions WHERE id = $1`
	s, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return s, nil
}

// FindExpired returns up to limit non-terminal sessions whose deadline
// passed before the given instant, oldest deadline first.
func (r *PostgresRepository) FindExpired(ctx context.Context, before time.Time, limit int) ([]*models.UploadSession, error) {
	query := `SELECT ` + selectColumns + `
		FROM upload_sessions
		WHERE expires_at < $1 AND status IN ('INITIATED', 'IN_PROGRESS')
		ORDER BY expires_at
		LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.UploadSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.UploadSession, error) {
	var (
		s        models.UploadSession
		uploadID sql.NullString
		parts    []byte
	)
	err := row.Scan(
		&s.ID, &s.Kind, &s.Bucket, &s.Key, &s.AccessType, &s.FileName, &s.ContentType, &s.FileSize,
		&s.Status, &s.Version, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt,
		&uploadID, &s.PartSize, &s.TotalParts, &parts)
	if err != nil {
		return nil, err
	}
	s.UploadID = uploadID.String
	if len(parts) > 0 {
		if err := json.Unmarshal(parts, &s.Parts); err != nil {
			return nil, fmt.Errorf("unmarshal parts: %w", err)
		}
	}
	return &s, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
