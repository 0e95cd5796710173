package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fileflow/fileflow/internal/common"
	"github.com/fileflow/fileflow/internal/logging"
	sc "github.com/fileflow/fileflow/internal/server/config"
	"github.com/fileflow/fileflow/internal/server/models"
	"github.com/fileflow/fileflow/internal/server/queue"
	"github.com/fileflow/fileflow/internal/server/repositories/repomanager"
)

// httpDoer is the slice of *http.Client the relay needs for callbacks.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// OutboxRelay drains PENDING outbox rows and performs their downstream
// effect. Every row gets exactly one attempt per pass and ends in SENT or
// FAILED; a failing row never blocks the rest of the batch.
type OutboxRelay struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	publisher   queue.Publisher
	httpClient  httpDoer
	config      *sc.Config
	log         logging.Logger
	now         func() time.Time
}

func NewOutboxRelay(db *sql.DB, rm repomanager.RepositoryManager, publisher queue.Publisher, config *sc.Config, log logging.Logger) *OutboxRelay {
	return &OutboxRelay{
		db:          db,
		repomanager: rm,
		publisher:   publisher,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		config:      config,
		log:         log,
		now:         time.Now,
	}
}

// Report summarizes one relay pass.
type Report struct {
	Attempted  int
	Succeeded  int
	Failed     int
	Iterations int
}

// Run processes PENDING rows in batches of OutboxBatchSize, oldest first,
// re-querying until a batch comes back short. Every attempted row counts
// as exactly one of succeeded or failed; a failure writing the outcome is
// the row's failure for this attempt. Rows that became PENDING after the
// pass started are picked up by the next tick.
func (r *OutboxRelay) Run(ctx context.Context) (Report, error) {
	var report Report
	repo := r.repomanager.Outbox(r.db)

	for {
		batch, err := repo.FindUnpublished(ctx, r.config.OutboxBatchSize)
		if err != nil {
			return report, err
		}
		if len(batch) > 0 {
			report.Iterations++
		}

		// Rows moved out of PENDING this iteration. A full batch that
		// finalized nothing would be re-fetched verbatim, so it ends the
		// pass instead of spinning.
		var finalized int

		for _, msg := range batch {
			report.Attempted++
			err := r.process(ctx, msg)
			if err == nil {
				merr := repo.MarkSent(ctx, msg.ID, r.now())
				if merr == nil {
					report.Succeeded++
					finalized++
					continue
				}
				// The effect happened but the outcome write did not. The
				// attempt counts as failed and the row is redelivered
				// later; downstream consumers must tolerate that.
				err = fmt.Errorf("mark sent: %w", merr)
			}
			report.Failed++
			r.log.Warn(ctx, "outbox delivery failed", "outbox_id", msg.ID, "kind", msg.Kind, "error", err)
			if merr := repo.MarkFailed(ctx, msg.ID); merr != nil {
				r.log.Error(ctx, "mark failed", "outbox_id", msg.ID, "error", merr)
			} else {
				finalized++
			}
		}

		if len(batch) < r.config.OutboxBatchSize || finalized == 0 {
			return report, nil
		}
	}
}

func (r *OutboxRelay) process(ctx context.Context, msg *models.OutboxMessage) error {
	switch msg.Kind {
	case models.OutboxEnqueue:
		return r.deliverEnqueue(ctx, msg)
	case models.OutboxPublish:
		return r.deliverPublish(ctx, msg)
	case models.OutboxCallback:
		return r.deliverCallback(ctx, msg)
	default:
		return fmt.Errorf("unknown outbox kind %q", msg.Kind)
	}
}

// deliverEnqueue pushes the download task onto the worker queue and moves
// it PENDING -> PROCESSING so the zombie sweep can watch it. A task no
// longer PENDING (completed, failed, or picked up already) only needs the
// push skipped, not an error.
func (r *OutboxRelay) deliverEnqueue(ctx context.Context, msg *models.OutboxMessage) error {
	taskID := string(msg.Payload)
	repo := r.repomanager.Downloads(r.db)

	task, err := repo.GetByID(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != models.DownloadPending {
		r.log.Info(ctx, "enqueue skipped", "download_id", taskID, "status", task.Status)
		return nil
	}

	if err := r.publisher.Enqueue(ctx, taskID); err != nil {
		return err
	}

	next, err := task.Start(r.now())
	if err != nil {
		return err
	}
	if err := repo.Update(ctx, &next); err != nil {
		if errors.Is(err, common.ErrVersionConflict) {
			// Someone else moved the task between our read and write. The
			// queue push already happened, which is what this row was for.
			return nil
		}
		return err
	}
	return nil
}

func (r *OutboxRelay) deliverPublish(ctx context.Context, msg *models.OutboxMessage) error {
	accepted, err := r.publisher.Publish(ctx, msg.Payload)
	if err != nil {
		return err
	}
	if !accepted {
		return fmt.Errorf("broker rejected message %s", msg.ID)
	}
	return nil
}

func (r *OutboxRelay) deliverCallback(ctx context.Context, msg *models.OutboxMessage) error {
	var p models.CallbackPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("decode callback payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(p.Body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback %s returned %d", p.URL, resp.StatusCode)
	}
	return nil
}

// RetryFailed moves FAILED rows with remaining attempts back to PENDING so
// the next Run picks them up.
func (r *OutboxRelay) RetryFailed(ctx context.Context) (int64, error) {
	n, err := r.repomanager.Outbox(r.db).ResetForRetry(ctx, r.config.OutboxMaxAttempts, r.config.OutboxBatchSize)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Info(ctx, "outbox rows reset for retry", "count", n)
	}
	return n, nil
}
