package models

import (
	"fmt"
	"net/url"
	"time"

	"github.com/fileflow/fileflow/internal/common"
)

// DownloadStatus is the lifecycle state of an external download task.
type DownloadStatus string

const (
	DownloadPending    DownloadStatus = "PENDING"
	DownloadProcessing DownloadStatus = "PROCESSING"
	DownloadCompleted  DownloadStatus = "COMPLETED"
	DownloadFailed     DownloadStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s DownloadStatus) Terminal() bool {
	return s == DownloadCompleted || s == DownloadFailed
}

// DefaultMaxRetries is how many failed executions a download survives
// before it is marked FAILED for good.
const DefaultMaxRetries = 3

// ExternalDownload fetches a file from an external URL into object
// storage. Workers pick it up via the download queue; a terminal status is
// never overwritten by a late failure report from an earlier execution.
type ExternalDownload struct {
	ID          string
	SessionID   string
	SourceURL   string
	Bucket      string
	Key         string
	CallbackURL string
	Status      DownloadStatus
	RetryCount  int
	MaxRetries  int
	LastError   string
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// NewExternalDownload creates a PENDING download task. Only http and https
// source URLs are accepted; callbackURL may be empty.
func NewExternalDownload(id, sessionID, sourceURL, bucket, key, callbackURL string, now time.Time) (ExternalDownload, error) {
	if err := validateHTTPURL(sourceURL); err != nil {
		return ExternalDownload{}, err
	}
	if callbackURL != "" {
		if err := validateHTTPURL(callbackURL); err != nil {
			return ExternalDownload{}, err
		}
	}
	return ExternalDownload{
		ID:          id,
		SessionID:   sessionID,
		SourceURL:   sourceURL,
		Bucket:      bucket,
		Key:         key,
		CallbackURL: callbackURL,
		Status:      DownloadPending,
		MaxRetries:  DefaultMaxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: invalid url %q", common.ErrValidation, raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", common.ErrValidation, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url %q has no host", common.ErrValidation, raw)
	}
	return nil
}

// Start moves PENDING -> PROCESSING and stamps StartedAt.
func (d ExternalDownload) Start(now time.Time) (ExternalDownload, error) {
	if d.Status != DownloadPending {
		return d, fmt.Errorf("%w: cannot start from %s", common.ErrStateConflict, d.Status)
	}
	d.Status = DownloadProcessing
	d.StartedAt = &now
	d.UpdatedAt = now
	return d, nil
}

// Complete moves PROCESSING -> COMPLETED.
func (d ExternalDownload) Complete(now time.Time) (ExternalDownload, error) {
	if d.Status != DownloadProcessing {
		return d, fmt.Errorf("%w: cannot complete from %s", common.ErrStateConflict, d.Status)
	}
	d.Status = DownloadCompleted
	d.CompletedAt = &now
	d.UpdatedAt = now
	return d, nil
}

// Fail records a failed execution. Below MaxRetries the task returns to
// PENDING for re-enqueue; at the limit it becomes FAILED. A task already
// in a terminal state is left untouched: late failure reports from an
// earlier execution must not overwrite the recorded outcome.
func (d ExternalDownload) Fail(reason string, now time.Time) (ExternalDownload, error) {
	if d.Status.Terminal() {
		return d, fmt.Errorf("%w: download already %s", common.ErrStateConflict, d.Status)
	}
	d.LastError = reason
	d.RetryCount++
	if d.RetryCount >= d.MaxRetries {
		d.Status = DownloadFailed
		d.CompletedAt = &now
	} else {
		d.Status = DownloadPending
		d.StartedAt = nil
	}
	d.UpdatedAt = now
	return d, nil
}

// Requeue returns a stale PROCESSING task to PENDING so the relay can
// enqueue it again. Used by the zombie sweep only.
func (d ExternalDownload) Requeue(now time.Time) (ExternalDownload, error) {
	if d.Status != DownloadProcessing {
		return d, fmt.Errorf("%w: cannot requeue from %s", common.ErrStateConflict, d.Status)
	}
	d.Status = DownloadPending
	d.StartedAt = nil
	d.UpdatedAt = now
	return d, nil
}

// CanRetry reports whether another execution attempt is allowed.
func (d ExternalDownload) CanRetry() bool {
	return d.RetryCount < d.MaxRetries
}

// NextRetryDelay is the exponential backoff before the next attempt:
// 2^RetryCount seconds, zero once retries are exhausted.
func (d ExternalDownload) NextRetryDelay() time.Duration {
	if d.RetryCount >= d.MaxRetries {
		return 0
	}
	return time.Duration(1<<uint(d.RetryCount)) * time.Second
}

// IsStale reports whether a PROCESSING task has not been touched since
// before now-threshold, meaning its worker likely died.
func (d ExternalDownload) IsStale(now time.Time, threshold time.Duration) bool {
	return d.Status == DownloadProcessing && d.UpdatedAt.Before(now.Add(-threshold))
}
