package services

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fileflow/fileflow/internal/common"
	"github.com/fileflow/fileflow/internal/dbx"
	"github.com/fileflow/fileflow/internal/logging"
	sc "github.com/fileflow/fileflow/internal/server/config"
	"github.com/fileflow/fileflow/internal/server/locks"
	"github.com/fileflow/fileflow/internal/server/models"
	"github.com/fileflow/fileflow/internal/server/repositories/repomanager"
)

// Lock keys for the background jobs. One instance per job cluster-wide.
const (
	LockExpirySweep = "fileflow:lock:expiry-sweep"
	LockZombieSweep = "fileflow:lock:zombie-sweep"
	LockOutboxRelay = "fileflow:lock:outbox-relay"
)

// RecoveryService runs the background sweeps that pick up work lost to
// crashed clients and workers. Each sweep is gated by a distributed
// try-lock so only one instance runs it at a time; version-checked writes
// are the backstop if the lock lease expires mid-sweep.
type RecoveryService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	sessions    *SessionService
	locker      locks.Locker
	config      *sc.Config
	log         logging.Logger
	now         func() time.Time
}

func NewRecoveryService(db *sql.DB, rm repomanager.RepositoryManager, sessions *SessionService, locker locks.Locker, config *sc.Config, log logging.Logger) *RecoveryService {
	return &RecoveryService{
		db:          db,
		repomanager: rm,
		sessions:    sessions,
		locker:      locker,
		config:      config,
		log:         log,
		now:         time.Now,
	}
}

// RunWithLock executes job under the named distributed lock. A lock miss
// means another instance holds it; the job is skipped without error. The
// lock is always released, including when the job fails.
func (r *RecoveryService) RunWithLock(ctx context.Context, key string, job func(ctx context.Context) error) error {
	ok, err := r.locker.TryLock(ctx, key, r.config.LockTTL)
	if err != nil {
		return err
	}
	if !ok {
		r.log.Info(ctx, "lock held elsewhere, skipping", "lock", key)
		return nil
	}
	defer func() {
		if uerr := r.locker.Unlock(ctx, key); uerr != nil {
			r.log.Warn(ctx, "unlock failed", "lock", key, "error", uerr)
		}
	}()

	return job(ctx)
}

// ExpireSessionWithLock expires a single session on demand, gated by a
// lock keyed to the session id so two instances cannot double-drive the
// same one. A lock miss is a silent skip.
func (r *RecoveryService) ExpireSessionWithLock(ctx context.Context, id string) error {
	return r.RunWithLock(ctx, "fileflow:lock:expire-session:"+id, func(ctx context.Context) error {
		session, err := r.repomanager.Sessions(r.db).GetByID(ctx, id)
		if err != nil {
			return err
		}
		return r.sessions.ExpireOne(ctx, session)
	})
}

// SweepReport summarizes one recovery pass.
type SweepReport struct {
	Scanned int
	Handled int
	Skipped int
}

// SweepExpiredSessions finds active sessions whose deadline passed and
// drives each to EXPIRED. Items that conflict (another instance got there
// first, or the session just completed) are skipped, not failed; a storage
// abort failure leaves the session for the next pass.
func (r *RecoveryService) SweepExpiredSessions(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	repo := r.repomanager.Sessions(r.db)

	expired, err := repo.FindExpired(ctx, r.now(), r.config.SweepPageSize)
	if err != nil {
		return report, err
	}
	report.Scanned = len(expired)

	for _, session := range expired {
		if err := r.sessions.ExpireOne(ctx, session); err != nil {
			if common.IsStateConflict(err) || errors.Is(err, common.ErrVersionConflict) {
				report.Skipped++
				continue
			}
			report.Skipped++
			r.log.Warn(ctx, "expire failed, will retry next sweep", "session_id", session.ID, "error", err)
			continue
		}
		report.Handled++
		r.log.Info(ctx, "session expired", "session_id", session.ID)
	}

	return report, nil
}

// SweepZombieDownloads finds PROCESSING downloads untouched for longer
// than ZombieThreshold, returns each to PENDING, and writes a fresh
// enqueue outbox row in the same transaction. The version check on the
// update makes re-driving a task another instance already handled a
// harmless skip.
func (r *RecoveryService) SweepZombieDownloads(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := r.now()
	cutoff := now.Add(-r.config.ZombieThreshold)

	stale, err := r.repomanager.Downloads(r.db).FindStale(ctx, models.DownloadProcessing, cutoff, r.config.SweepPageSize)
	if err != nil {
		return report, err
	}
	report.Scanned = len(stale)

	for _, task := range stale {
		next, err := task.Requeue(now)
		if err != nil {
			report.Skipped++
			continue
		}

		err = dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			if err := r.repomanager.Downloads(tx).Update(ctx, &next); err != nil {
				return err
			}
			msg := models.NewOutboxMessage(uuid.NewString(), models.OutboxEnqueue, next.ID, []byte(next.ID), now)
			return r.repomanager.Outbox(tx).Insert(ctx, &msg)
		})
		if err != nil {
			if errors.Is(err, common.ErrVersionConflict) {
				report.Skipped++
				continue
			}
			report.Skipped++
			r.log.Warn(ctx, "requeue failed, will retry next sweep", "download_id", task.ID, "error", err)
			continue
		}

		report.Handled++
		r.log.Info(ctx, "zombie download requeued", "download_id", task.ID)
	}

	return report, nil
}
