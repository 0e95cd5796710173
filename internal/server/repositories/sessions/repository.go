package sessions

import (
	"context"
	"time"

	"github.com/fileflow/fileflow/internal/server/models"
)

// Repository persists upload sessions. Update is a version-checked write:
// it succeeds only when the stored version still matches the version the
// caller read, and bumps it by one.
type Repository interface {
	Insert(ctx context.Context, s *models.UploadSession) error
	Update(ctx context.Context, s *models.UploadSession) error
	GetByID(ctx context.Context, id string) (*models.UploadSession, error)
	FindExpired(ctx context.Context, before time.Time, limit int) ([]*models.UploadSession, error)
}
