package downloads

import (
	"context"
	"time"

	"github.com/fileflow/fileflow/internal/server/models"
)

// Repository persists external download tasks. Update is version-checked,
// as for sessions.
type Repository interface {
	Insert(ctx context.Context, d *models.ExternalDownload) error
	Update(ctx context.Context, d *models.ExternalDownload) error
	GetByID(ctx context.Context, id string) (*models.ExternalDownload, error)
	FindStale(ctx context.Context, status models.DownloadStatus, before time.Time, limit int) ([]*models.ExternalDownload, error)
}
