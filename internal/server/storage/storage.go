// Package storage defines the object-storage port used by the upload and
// download services, and its S3 implementation.
package storage

import (
	"context"
	"time"

	"github.com/fileflow/fileflow/internal/server/models"
)

// Provider is the narrow contract FileFlow needs from an S3-compatible
// backend. Abort is idempotent at the provider: aborting an unknown or
// already-aborted upload is not an error.
type Provider interface {
	InitiateMultipart(ctx context.Context, bucket, key, contentType string) (string, error)
	PresignPutURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
	PresignPartURL(ctx context.Context, bucket, key, uploadID string, partNumber int, expires time.Duration) (string, error)
	AbortMultipart(ctx context.Context, bucket, key, uploadID string) error
	CompleteMultipart(ctx context.Context, bucket, key, uploadID string, parts []models.CompletedPart) (string, error)
}
