package services

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/fileflow/fileflow/internal/dbx"
	"github.com/fileflow/fileflow/internal/logging"
	sc "github.com/fileflow/fileflow/internal/server/config"
	"github.com/fileflow/fileflow/internal/server/models"
	"github.com/fileflow/fileflow/internal/server/repositories/repomanager"
)

// DownloadService manages external download tasks. Creation writes the
// task and its enqueue outbox row in one transaction; the actual queue
// push happens later in the relay, so a crash between commit and push
// loses nothing.
type DownloadService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	config      *sc.Config
	log         logging.Logger
	now         func() time.Time
}

func NewDownloadService(db *sql.DB, rm repomanager.RepositoryManager, config *sc.Config, log logging.Logger) *DownloadService {
	return &DownloadService{
		db:          db,
		repomanager: rm,
		config:      config,
		log:         log,
		now:         time.Now,
	}
}

// Create registers a PENDING download task together with the outbox row
// that will enqueue it.
func (s *DownloadService) Create(ctx context.Context, sessionID, sourceURL, key, callbackURL string) (*models.ExternalDownload, error) {
	now := s.now()

	task, err := models.NewExternalDownload(uuid.NewString(), sessionID, sourceURL, s.config.S3Bucket, key, callbackURL, now)
	if err != nil {
		return nil, err
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repomanager.Downloads(tx).Insert(ctx, &task); err != nil {
			return err
		}
		msg := models.NewOutboxMessage(uuid.NewString(), models.OutboxEnqueue, task.ID, []byte(task.ID), now)
		return s.repomanager.Outbox(tx).Insert(ctx, &msg)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info(ctx, "download created", "download_id", task.ID, "session_id", sessionID)
	return &task, nil
}

// Get loads a download task by id.
func (s *DownloadService) Get(ctx context.Context, id string) (*models.ExternalDownload, error) {
	return s.repomanager.Downloads(s.db).GetByID(ctx, id)
}

// ReportSuccess records a completed execution from a worker.
func (s *DownloadService) ReportSuccess(ctx context.Context, id string) (*models.ExternalDownload, error) {
	repo := s.repomanager.Downloads(s.db)

	current, err := repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	next, err := current.Complete(s.now())
	if err != nil {
		return nil, err
	}

	if err := repo.Update(ctx, &next); err != nil {
		return nil, err
	}

	s.log.Info(ctx, "download completed", "download_id", next.ID)
	return &next, nil
}

// ReportFailure records a failed execution. Below the retry limit the task
// returns to PENDING and a new enqueue outbox row is written in the same
// transaction; at the limit it becomes FAILED. Late reports against a task
// already terminal are rejected by the model and surface as a state
// conflict.
func (s *DownloadService) ReportFailure(ctx context.Context, id, reason string) (*models.ExternalDownload, error) {
	current, err := s.repomanager.Downloads(s.db).GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	next, err := current.Fail(reason, now)
	if err != nil {
		return nil, err
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repomanager.Downloads(tx).Update(ctx, &next); err != nil {
			return err
		}
		if next.Status != models.DownloadPending {
			return nil
		}
		msg := models.NewOutboxMessage(uuid.NewString(), models.OutboxEnqueue, next.ID, []byte(next.ID), now)
		return s.repomanager.Outbox(tx).Insert(ctx, &msg)
	})
	if err != nil {
		return nil, err
	}

	if next.Status == models.DownloadFailed {
		s.log.Warn(ctx, "download failed for good", "download_id", next.ID, "retries", next.RetryCount, "reason", reason)
	} else {
		s.log.Info(ctx, "download retry scheduled", "download_id", next.ID, "retries", next.RetryCount, "delay", next.NextRetryDelay())
	}
	return &next, nil
}
