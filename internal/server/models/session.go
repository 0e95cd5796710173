// Package models holds the persistent aggregates of FileFlow: upload
// sessions, external downloads, and outbox messages. Aggregates are value
// types; state transitions validate the move and return the updated value,
// leaving the caller to persist it through a version-checked write.
package models

import (
	"fmt"
	"time"

	"github.com/fileflow/fileflow/internal/common"
)

// SessionStatus is the lifecycle state of an upload session.
type SessionStatus string

const (
	SessionInitiated  SessionStatus = "INITIATED"
	SessionInProgress SessionStatus = "IN_PROGRESS"
	SessionCompleted  SessionStatus = "COMPLETED"
	SessionFailed     SessionStatus = "FAILED"
	SessionExpired    SessionStatus = "EXPIRED"
	SessionCancelled  SessionStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionExpired, SessionCancelled:
		return true
	}
	return false
}

// SessionKind distinguishes the two upload session variants.
type SessionKind string

const (
	KindSingle    SessionKind = "single"
	KindMultipart SessionKind = "multipart"
)

const (
	// MaxSessionTTL bounds how far in the future a session may expire.
	MaxSessionTTL = 24 * time.Hour

	// MinTotalParts and MaxTotalParts clamp the derived part count.
	// 10,000 is the S3 multipart hard limit.
	MinTotalParts = 1
	MaxTotalParts = 10000
)

// CompletedPart records one uploaded part of a multipart session.
type CompletedPart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
	Size       int64  `json:"size"`
}

// UploadSession is a single-part or multipart upload session. The Kind tag
// selects the variant; multipart-only fields are zero for single sessions.
type UploadSession struct {
	ID          string
	Kind        SessionKind
	Bucket      string
	Key         string
	AccessType  string
	FileName    string
	ContentType string
	FileSize    int64
	Status      SessionStatus
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time

	// Multipart variant payload.
	UploadID   string
	PartSize   int64
	TotalParts int
	Parts      []CompletedPart
}

// SessionTarget names the storage destination of a new session.
type SessionTarget struct {
	Bucket     string
	Key        string
	AccessType string
}

// FileMetadata carries the client-declared file attributes.
type FileMetadata struct {
	FileName    string
	ContentType string
	FileSize    int64
}

// DetermineTotalParts derives the part count as ceil(fileSize/partSize),
// clamped to [MinTotalParts, MaxTotalParts].
func DetermineTotalParts(fileSize, partSize int64) int {
	if partSize <= 0 {
		return MinTotalParts
	}
	n := fileSize / partSize
	if fileSize%partSize != 0 {
		n++
	}
	if n < MinTotalParts {
		return MinTotalParts
	}
	if n > MaxTotalParts {
		return MaxTotalParts
	}
	return int(n)
}

// NewUploadSession creates a single-part session in INITIATED with
// expiresAt = now + ttl. The ttl must be positive and at most 24 hours.
func NewUploadSession(id string, target SessionTarget, meta FileMetadata, ttl time.Duration, now time.Time) (UploadSession, error) {
	if err := validateTTL(ttl); err != nil {
		return UploadSession{}, err
	}
	return UploadSession{
		ID:          id,
		Kind:        KindSingle,
		Bucket:      target.Bucket,
		Key:         target.Key,
		AccessType:  target.AccessType,
		FileName:    meta.FileName,
		ContentType: meta.ContentType,
		FileSize:    meta.FileSize,
		Status:      SessionInitiated,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}, nil
}

// NewMultipartSession creates a multipart session in INITIATED. The
// uploadID is the storage provider's multipart handle; totalParts is
// derived from the declared file size and part size.
func NewMultipartSession(id string, target SessionTarget, meta FileMetadata, uploadID string, partSize int64, ttl time.Duration, now time.Time) (UploadSession, error) {
	if err := validateTTL(ttl); err != nil {
		return UploadSession{}, err
	}
	if uploadID == "" {
		return UploadSession{}, fmt.Errorf("%w: empty upload id", common.ErrValidation)
	}
	if partSize <= 0 {
		return UploadSession{}, fmt.Errorf("%w: part size must be positive", common.ErrValidation)
	}
	s, err := NewUploadSession(id, target, meta, ttl, now)
	if err != nil {
		return UploadSession{}, err
	}
	s.Kind = KindMultipart
	s.UploadID = uploadID
	s.PartSize = partSize
	s.TotalParts = DetermineTotalParts(meta.FileSize, partSize)
	return s, nil
}

func validateTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl must be positive", common.ErrValidation)
	}
	if ttl > MaxSessionTTL {
		return fmt.Errorf("%w: ttl exceeds %v", common.ErrValidation, MaxSessionTTL)
	}
	return nil
}

// IsExpired reports whether the session deadline passed. Evaluated against
// the supplied clock reading on every call, never cached.
func (s UploadSession) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// StartUploading moves INITIATED -> IN_PROGRESS. Rejected for any other
// status and for expired sessions.
func (s UploadSession) StartUploading(now time.Time) (UploadSession, error) {
	if s.Status != SessionInitiated {
		return s, fmt.Errorf("%w: cannot start uploading from %s", common.ErrStateConflict, s.Status)
	}
	if s.IsExpired(now) {
		return s, common.ErrSessionExpired
	}
	s.Status = SessionInProgress
	s.UpdatedAt = now
	return s, nil
}

// Complete moves INITIATED or IN_PROGRESS -> COMPLETED. For multipart
// sessions every part number in 1..TotalParts must have been recorded.
func (s UploadSession) Complete(now time.Time) (UploadSession, error) {
	if s.Status != SessionInitiated && s.Status != SessionInProgress {
		return s, fmt.Errorf("%w: cannot complete from %s", common.ErrStateConflict, s.Status)
	}
	if s.IsExpired(now) {
		return s, common.ErrSessionExpired
	}
	if s.Kind == KindMultipart && !s.CanComplete() {
		return s, fmt.Errorf("%w: %d of %d parts uploaded", common.ErrStateConflict, len(s.Parts), s.TotalParts)
	}
	s.Status = SessionCompleted
	s.UpdatedAt = now
	return s, nil
}

// Cancel moves INITIATED or IN_PROGRESS -> CANCELLED.
func (s UploadSession) Cancel(now time.Time) (UploadSession, error) {
	if s.Status != SessionInitiated && s.Status != SessionInProgress {
		return s, fmt.Errorf("%w: cannot cancel from %s", common.ErrStateConflict, s.Status)
	}
	s.Status = SessionCancelled
	s.UpdatedAt = now
	return s, nil
}

// Expire moves any non-terminal status to EXPIRED. Calling it on a session
// already EXPIRED is a no-op, so recovery sweeps may re-drive it freely;
// any other terminal status is a conflict.
func (s UploadSession) Expire(now time.Time) (UploadSession, error) {
	return s.toTerminal(SessionExpired, now)
}

// Fail moves any non-terminal status to FAILED, idempotently like Expire.
func (s UploadSession) Fail(now time.Time) (UploadSession, error) {
	return s.toTerminal(SessionFailed, now)
}

func (s UploadSession) toTerminal(target SessionStatus, now time.Time) (UploadSession, error) {
	if s.Status == target {
		return s, nil
	}
	if s.Status.Terminal() {
		return s, fmt.Errorf("%w: cannot move %s to %s", common.ErrStateConflict, s.Status, target)
	}
	s.Status = target
	s.UpdatedAt = now
	return s, nil
}

// AddPart records an uploaded part. Duplicate part numbers and numbers
// outside [1, TotalParts] are rejected. Recording the first part moves an
// INITIATED session to IN_PROGRESS.
func (s UploadSession) AddPart(partNumber int, etag string, size int64, now time.Time) (UploadSession, error) {
	if s.Kind != KindMultipart {
		return s, fmt.Errorf("%w: not a multipart session", common.ErrStateConflict)
	}
	if s.Status != SessionInitiated && s.Status != SessionInProgress {
		return s, fmt.Errorf("%w: cannot add part in %s", common.ErrStateConflict, s.Status)
	}
	if s.IsExpired(now) {
		return s, common.ErrSessionExpired
	}
	if partNumber < 1 || partNumber > s.TotalParts {
		return s, fmt.Errorf("%w: part %d not in [1, %d]", common.ErrPartOutOfRange, partNumber, s.TotalParts)
	}
	for _, p := range s.Parts {
		if p.PartNumber == partNumber {
			return s, fmt.Errorf("%w: part %d", common.ErrDuplicatePart, partNumber)
		}
	}

	// Copy so the caller's snapshot keeps its own backing array.
	parts := make([]CompletedPart, len(s.Parts), len(s.Parts)+1)
	copy(parts, s.Parts)
	s.Parts = append(parts, CompletedPart{PartNumber: partNumber, ETag: etag, Size: size})

	if s.Status == SessionInitiated {
		s.Status = SessionInProgress
	}
	s.UpdatedAt = now
	return s, nil
}

// CanComplete reports whether the recorded part numbers cover 1..TotalParts
// exactly. Duplicates are rejected at AddPart time, so this is a pure
// set-coverage test; a count shortcut would miss skipped numbers.
func (s UploadSession) CanComplete() bool {
	if s.Kind != KindMultipart {
		return true
	}
	if s.TotalParts < MinTotalParts {
		return false
	}
	seen := make(map[int]bool, len(s.Parts))
	for _, p := range s.Parts {
		seen[p.PartNumber] = true
	}
	for n := 1; n <= s.TotalParts; n++ {
		if !seen[n] {
			return false
		}
	}
	return true
}
