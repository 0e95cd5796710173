// Package services implements the application operations of FileFlow:
// creating and driving upload sessions, registering external downloads,
// relaying the transactional outbox, and the recovery sweeps. Services load
// an aggregate, apply a model transition, and persist the result with a
// version-checked write; concurrent writers lose with ErrVersionConflict
// and either retry or give up.
package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fileflow/fileflow/internal/common"
	"github.com/fileflow/fileflow/internal/dbx"
	"github.com/fileflow/fileflow/internal/logging"
	sc "github.com/fileflow/fileflow/internal/server/config"
	"github.com/fileflow/fileflow/internal/server/models"
	"github.com/fileflow/fileflow/internal/server/repositories/repomanager"
	"github.com/fileflow/fileflow/internal/server/storage"
)

// SessionService drives the upload session lifecycle.
type SessionService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	storage     storage.Provider
	config      *sc.Config
	log         logging.Logger
	now         func() time.Time
}

func NewSessionService(db *sql.DB, rm repomanager.RepositoryManager, st storage.Provider, config *sc.Config, log logging.Logger) *SessionService {
	return &SessionService{
		db:          db,
		repomanager: rm,
		storage:     st,
		config:      config,
		log:         log,
		now:         time.Now,
	}
}

// StorageKey builds the object key for a new session.
func StorageKey(accessType, fileName string) string {
	d := time.Now()
	return fmt.Sprintf("%s/%d/%02d/%02d/%s/%s", accessType, d.Year(), d.Month(), d.Day(), uuid.NewString(), fileName)
}

// CreateSingleResult is returned when a single-part session is created.
type CreateSingleResult struct {
	Session   models.UploadSession
	UploadURL string
}

// CreateSingle creates a single-part session and presigns the PUT URL for
// it. The presign happens before the insert: if the storage provider is
// down no session row is left behind.
func (s *SessionService) CreateSingle(ctx context.Context, meta models.FileMetadata, accessType string, ttl time.Duration) (*CreateSingleResult, error) {
	target := models.SessionTarget{
		Bucket:     s.config.S3Bucket,
		Key:        StorageKey(accessType, meta.FileName),
		AccessType: accessType,
	}

	session, err := models.NewUploadSession(uuid.NewString(), target, meta, ttl, s.now())
	if err != nil {
		return nil, err
	}

	url, err := s.storage.PresignPutURL(ctx, target.Bucket, target.Key, s.config.PresignExpiry)
	if err != nil {
		return nil, fmt.Errorf("presign put: %w", err)
	}

	repo := s.repomanager.Sessions(s.db)
	if err := repo.Insert(ctx, &session); err != nil {
		return nil, err
	}

	s.log.Info(ctx, "session created", "session_id", session.ID, "kind", session.Kind)
	return &CreateSingleResult{Session: session, UploadURL: url}, nil
}

// CreateMultipartResult is returned when a multipart session is created.
type CreateMultipartResult struct {
	Session  models.UploadSession
	PartURLs map[int]string
}

// CreateMultipart initiates a multipart upload at the provider, creates the
// session around the returned upload id, and presigns a URL per part. If
// the insert fails the provider-side upload is aborted so it does not leak.
func (s *SessionService) CreateMultipart(ctx context.Context, meta models.FileMetadata, accessType string, partSize int64, ttl time.Duration) (*CreateMultipartResult, error) {
	if partSize <= 0 {
		partSize = s.config.DefaultPartSize
	}

	target := models.SessionTarget{
		Bucket:     s.config.S3Bucket,
		Key:        StorageKey(accessType, meta.FileName),
		AccessType: accessType,
	}

	uploadID, err := s.storage.InitiateMultipart(ctx, target.Bucket, target.Key, meta.ContentType)
	if err != nil {
		return nil, fmt.Errorf("initiate multipart: %w", err)
	}

	session, err := models.NewMultipartSession(uuid.NewString(), target, meta, uploadID, partSize, ttl, s.now())
	if err != nil {
		s.abortQuietly(ctx, target.Bucket, target.Key, uploadID)
		return nil, err
	}

	urls := make(map[int]string, session.TotalParts)
	for n := 1; n <= session.TotalParts; n++ {
		u, perr := s.storage.PresignPartURL(ctx, target.Bucket, target.Key, uploadID, n, s.config.PresignExpiry)
		if perr != nil {
			s.abortQuietly(ctx, target.Bucket, target.Key, uploadID)
			return nil, fmt.Errorf("presign part %d: %w", n, perr)
		}
		urls[n] = u
	}

	repo := s.repomanager.Sessions(s.db)
	if err := repo.Insert(ctx, &session); err != nil {
		s.abortQuietly(ctx, target.Bucket, target.Key, uploadID)
		return nil, err
	}

	s.log.Info(ctx, "session created", "session_id", session.ID, "kind", session.Kind, "total_parts", session.TotalParts)
	return &CreateMultipartResult{Session: session, PartURLs: urls}, nil
}

func (s *SessionService) abortQuietly(ctx context.Context, bucket, key, uploadID string) {
	if err := s.storage.AbortMultipart(ctx, bucket, key, uploadID); err != nil {
		s.log.Warn(ctx, "abort after failed create", "upload_id", uploadID, "error", err)
	}
}

// Get loads a session by id.
func (s *SessionService) Get(ctx context.Context, id string) (*models.UploadSession, error) {
	return s.repomanager.Sessions(s.db).GetByID(ctx, id)
}

// RegisterPart records a completed part of a multipart session. The first
// registered part moves the session to IN_PROGRESS. On a version conflict
// the session is reloaded and the transition retried: two clients
// registering different parts at once must both land.
func (s *SessionService) RegisterPart(ctx context.Context, sessionID string, partNumber int, etag string, size int64) (*models.UploadSession, error) {
	repo := s.repomanager.Sessions(s.db)

	for {
		current, err := repo.GetByID(ctx, sessionID)
		if err != nil {
			return nil, err
		}

		next, err := current.AddPart(partNumber, etag, size, s.now())
		if err != nil {
			return nil, err
		}

		if err := repo.Update(ctx, &next); err != nil {
			if errors.Is(err, common.ErrVersionConflict) {
				continue
			}
			return nil, err
		}
		return &next, nil
	}
}

// PresignPart re-presigns a single part URL, for clients whose original
// URL expired mid-upload.
func (s *SessionService) PresignPart(ctx context.Context, sessionID string, partNumber int) (string, error) {
	session, err := s.repomanager.Sessions(s.db).GetByID(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if session.Kind != models.KindMultipart {
		return "", fmt.Errorf("%w: not a multipart session", common.ErrStateConflict)
	}
	if session.Status.Terminal() {
		return "", fmt.Errorf("%w: session is %s", common.ErrStateConflict, session.Status)
	}
	if session.IsExpired(s.now()) {
		return "", common.ErrSessionExpired
	}
	if partNumber < 1 || partNumber > session.TotalParts {
		return "", fmt.Errorf("%w: part %d not in [1, %d]", common.ErrPartOutOfRange, partNumber, session.TotalParts)
	}
	return s.storage.PresignPartURL(ctx, session.Bucket, session.Key, session.UploadID, partNumber, s.config.PresignExpiry)
}

// Complete finishes a session. For multipart sessions the provider-side
// CompleteMultipart runs first; only after it succeeds are the COMPLETED
// row and the upload-completed outbox event committed together. A failed
// provider call leaves the session untouched for retry.
func (s *SessionService) Complete(ctx context.Context, sessionID string) (*models.UploadSession, error) {
	repo := s.repomanager.Sessions(s.db)

	current, err := repo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	next, err := current.Complete(now)
	if err != nil {
		return nil, err
	}

	var etag string
	if next.Kind == models.KindMultipart {
		etag, err = s.storage.CompleteMultipart(ctx, next.Bucket, next.Key, next.UploadID, next.Parts)
		if err != nil {
			return nil, fmt.Errorf("complete multipart: %w", err)
		}
	}

	payload, err := json.Marshal(models.UploadCompletedEvent{
		SessionID:   next.ID,
		Kind:        string(next.Kind),
		Bucket:      next.Bucket,
		Key:         next.Key,
		AccessType:  next.AccessType,
		FileName:    next.FileName,
		ContentType: next.ContentType,
		FileSize:    next.FileSize,
		ETag:        etag,
		CompletedAt: now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repomanager.Sessions(tx).Update(ctx, &next); err != nil {
			return err
		}
		msg := models.NewOutboxMessage(uuid.NewString(), models.OutboxPublish, next.ID, payload, now)
		return s.repomanager.Outbox(tx).Insert(ctx, &msg)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info(ctx, "session completed", "session_id", next.ID, "kind", next.Kind)
	return &next, nil
}

// Cancel moves an active session to CANCELLED. For multipart sessions the
// provider upload is aborted first; an abort failure blocks the transition
// so a later cancel or the expiry sweep can retry the cleanup.
func (s *SessionService) Cancel(ctx context.Context, sessionID string) (*models.UploadSession, error) {
	repo := s.repomanager.Sessions(s.db)

	current, err := repo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	next, err := current.Cancel(s.now())
	if err != nil {
		return nil, err
	}

	if next.Kind == models.KindMultipart && next.UploadID != "" {
		if err := s.storage.AbortMultipart(ctx, next.Bucket, next.Key, next.UploadID); err != nil {
			return nil, fmt.Errorf("abort multipart: %w", err)
		}
	}

	if err := repo.Update(ctx, &next); err != nil {
		return nil, err
	}

	s.log.Info(ctx, "session cancelled", "session_id", next.ID)
	return &next, nil
}

// ExpireOne moves a session whose deadline passed to EXPIRED. Multipart
// sessions get their provider upload aborted first, and the abort must
// succeed before the status changes: a session whose storage we failed to
// clean stays non-terminal so the next sweep retries it.
func (s *SessionService) ExpireOne(ctx context.Context, session *models.UploadSession) error {
	next, err := session.Expire(s.now())
	if err != nil {
		return err
	}

	if next.Kind == models.KindMultipart && next.UploadID != "" {
		if err := s.storage.AbortMultipart(ctx, next.Bucket, next.Key, next.UploadID); err != nil {
			return fmt.Errorf("abort multipart: %w", err)
		}
	}

	return s.repomanager.Sessions(s.db).Update(ctx, &next)
}
