package services

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/fileflow/fileflow/internal/common"
	"github.com/fileflow/fileflow/internal/dbx"
	"github.com/fileflow/fileflow/internal/logging"
	sc "github.com/fileflow/fileflow/internal/server/config"
	"github.com/fileflow/fileflow/internal/server/models"
	"github.com/fileflow/fileflow/internal/server/repositories/downloads"
	"github.com/fileflow/fileflow/internal/server/repositories/outbox"
	"github.com/fileflow/fileflow/internal/server/repositories/sessions"
)

// setupDB returns an in-memory DB used only as a transaction source; the
// fake repositories below keep state in maps and ignore the DBTX handle.
func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	db.SetMaxOpenConns(4)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testConfig() *sc.Config {
	cfg := &sc.Config{}
	cfg.LoadDefaults()
	return cfg
}

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// fakeSessionRepo is a version-checked in-memory sessions.Repository.
type fakeSessionRepo struct {
	mu        sync.Mutex
	items     map[string]models.UploadSession
	insertErr error
	updateErr error
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{items: map[string]models.UploadSession{}}
}

func (r *fakeSessionRepo) Insert(ctx context.Context, s *models.UploadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	r.items[s.ID] = *s
	return nil
}

func (r *fakeSessionRepo) Update(ctx context.Context, s *models.UploadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	stored, ok := r.items[s.ID]
	if !ok {
		return common.ErrNotFound
	}
	if stored.Version != s.Version {
		return common.ErrVersionConflict
	}
	s.Version++
	r.items[s.ID] = *s
	return nil
}

func (r *fakeSessionRepo) GetByID(ctx context.Context, id string) (*models.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.items[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return &s, nil
}

func (r *fakeSessionRepo) FindExpired(ctx context.Context, before time.Time, limit int) ([]*models.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.UploadSession
	for _, s := range r.items {
		if s.Status.Terminal() || !before.After(s.ExpiresAt) {
			continue
		}
		c := s
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// fakeDownloadRepo is a version-checked in-memory downloads.Repository.
type fakeDownloadRepo struct {
	mu    sync.Mutex
	items map[string]models.ExternalDownload
}

func newFakeDownloadRepo() *fakeDownloadRepo {
	return &fakeDownloadRepo{items: map[string]models.ExternalDownload{}}
}

func (r *fakeDownloadRepo) Insert(ctx context.Context, d *models.ExternalDownload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[d.ID] = *d
	return nil
}

func (r *fakeDownloadRepo) Update(ctx context.Context, d *models.ExternalDownload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.items[d.ID]
	if !ok {
		return common.ErrNotFound
	}
	if stored.Version != d.Version {
		return common.ErrVersionConflict
	}
	d.Version++
	r.items[d.ID] = *d
	return nil
}

func (r *fakeDownloadRepo) GetByID(ctx context.Context, id string) (*models.ExternalDownload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.items[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return &d, nil
}

func (r *fakeDownloadRepo) FindStale(ctx context.Context, status models.DownloadStatus, before time.Time, limit int) ([]*models.ExternalDownload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.ExternalDownload
	for _, d := range r.items {
		if d.Status != status || !d.UpdatedAt.Before(before) {
			continue
		}
		c := d
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// fakeOutboxRepo is an in-memory outbox.Repository.
type fakeOutboxRepo struct {
	mu      sync.Mutex
	items   map[string]models.OutboxMessage
	seq     int
	sentErr error
	failErr error
}

func newFakeOutboxRepo() *fakeOutboxRepo {
	return &fakeOutboxRepo{items: map[string]models.OutboxMessage{}}
}

func (r *fakeOutboxRepo) Insert(ctx context.Context, m *models.OutboxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	// Preserve insertion order even when CreatedAt collides.
	c := *m
	c.CreatedAt = c.CreatedAt.Add(time.Duration(r.seq) * time.Microsecond)
	r.items[m.ID] = c
	return nil
}

func (r *fakeOutboxRepo) FindUnpublished(ctx context.Context, limit int) ([]*models.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.OutboxMessage
	for _, m := range r.items {
		if m.Status != models.OutboxPending {
			continue
		}
		c := m
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeOutboxRepo) MarkSent(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sentErr != nil {
		return r.sentErr
	}
	m, ok := r.items[id]
	if !ok || m.Status != models.OutboxPending {
		return common.ErrStateConflict
	}
	m.Status = models.OutboxSent
	m.Attempts++
	m.PublishedAt = &at
	r.items[id] = m
	return nil
}

func (r *fakeOutboxRepo) MarkFailed(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		return r.failErr
	}
	m, ok := r.items[id]
	if !ok || m.Status != models.OutboxPending {
		return common.ErrStateConflict
	}
	m.Status = models.OutboxFailed
	m.Attempts++
	r.items[id] = m
	return nil
}

func (r *fakeOutboxRepo) ResetForRetry(ctx context.Context, maxAttempts int, limit int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, m := range r.items {
		if m.Status == models.OutboxFailed && m.Attempts < maxAttempts && n < int64(limit) {
			m.Status = models.OutboxPending
			r.items[id] = m
			n++
		}
	}
	return n, nil
}

func (r *fakeOutboxRepo) byStatus(status models.OutboxStatus) []models.OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.OutboxMessage
	for _, m := range r.items {
		if m.Status == status {
			out = append(out, m)
		}
	}
	return out
}

// fakeRepoManager hands out the same fakes for any DBTX handle.
type fakeRepoManager struct {
	sessions  *fakeSessionRepo
	downloads *fakeDownloadRepo
	outbox    *fakeOutboxRepo
}

func newFakeRepoManager() *fakeRepoManager {
	return &fakeRepoManager{
		sessions:  newFakeSessionRepo(),
		downloads: newFakeDownloadRepo(),
		outbox:    newFakeOutboxRepo(),
	}
}

func (m *fakeRepoManager) Sessions(db dbx.DBTX) sessions.Repository    { return m.sessions }
func (m *fakeRepoManager) Downloads(db dbx.DBTX) downloads.Repository { return m.downloads }
func (m *fakeRepoManager) Outbox(db dbx.DBTX) outbox.Repository       { return m.outbox }

// fakePublisher records pushes and can be told to reject payloads.
type fakePublisher struct {
	mu         sync.Mutex
	enqueued   []string
	published  [][]byte
	enqueueErr error
	publishErr error
	reject     func(payload []byte) bool
}

func (p *fakePublisher) Enqueue(ctx context.Context, taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enqueueErr != nil {
		return p.enqueueErr
	}
	p.enqueued = append(p.enqueued, taskID)
	return nil
}

func (p *fakePublisher) Publish(ctx context.Context, payload []byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return false, p.publishErr
	}
	if p.reject != nil && p.reject(payload) {
		return false, nil
	}
	p.published = append(p.published, payload)
	return true, nil
}

// fakeLocker grants or denies every TryLock and records releases.
type fakeLocker struct {
	mu       sync.Mutex
	grant    bool
	acquired []string
	released []string
}

func (l *fakeLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.grant {
		return false, nil
	}
	l.acquired = append(l.acquired, key)
	return true, nil
}

func (l *fakeLocker) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, key)
	return nil
}

// fakeStorage implements storage.Provider with overridable funcs.
type fakeStorage struct {
	mu            sync.Mutex
	initiated     int
	aborted       []string
	completed     []string
	initiateErr   error
	presignErr    error
	abortErr      error
	completeErr   error
	completedArgs []models.CompletedPart
}

func (s *fakeStorage) InitiateMultipart(ctx context.Context, bucket, key, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initiateErr != nil {
		return "", s.initiateErr
	}
	s.initiated++
	return fmt.Sprintf("upload-%d", s.initiated), nil
}

func (s *fakeStorage) PresignPutURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	if s.presignErr != nil {
		return "", s.presignErr
	}
	return "https://storage.test/put/" + key, nil
}

func (s *fakeStorage) PresignPartURL(ctx context.Context, bucket, key, uploadID string, partNumber int, expires time.Duration) (string, error) {
	if s.presignErr != nil {
		return "", s.presignErr
	}
	return fmt.Sprintf("https://storage.test/part/%s/%d", uploadID, partNumber), nil
}

func (s *fakeStorage) AbortMultipart(ctx context.Context, bucket, key, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abortErr != nil {
		return s.abortErr
	}
	s.aborted = append(s.aborted, uploadID)
	return nil
}

func (s *fakeStorage) CompleteMultipart(ctx context.Context, bucket, key, uploadID string, parts []models.CompletedPart) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeErr != nil {
		return "", s.completeErr
	}
	s.completed = append(s.completed, uploadID)
	s.completedArgs = parts
	return `"etag-final"`, nil
}
