package downloads

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/fileflow/fileflow/internal/common"
	"github.com/fileflow/fileflow/internal/server/models"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

func sampleDownload() models.ExternalDownload {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return models.ExternalDownload{
		ID:         "d1",
		SessionID:  "s1",
		SourceURL:  "https://files.example.com/big.bin",
		Bucket:     "fileflow",
		Key:        "private/big.bin",
		Status:     models.DownloadPending,
		MaxRetries: 3,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestInsert_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	d := sampleDownload()

	mock.ExpectExec(`INSERT INTO external_downloads`).
		WithArgs(
			"d1", "s1", d.SourceURL, "fileflow", "private/big.bin", nil,
			"PENDING", 0, 3, nil,
			d.CreatedAt, d.UpdatedAt, nil, nil,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Insert(context.Background(), &d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Version != 1 {
		t.Fatalf("want version 1 after insert, got %d", d.Version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdate_SuccessBumpsVersion(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	d := sampleDownload()
	d.Status = models.DownloadProcessing
	started := d.UpdatedAt
	d.StartedAt = &started
	d.Version = 2

	q := regexp.MustCompile(`UPDATE external_downloads SET status = \$1, retry_count = \$2, last_error = \$3, updated_at = \$4, started_at = \$5, completed_at = \$6, version = version \+ 1 WHERE id = \$7 AND version = \$8`)

	mock.ExpectExec(q.String()).
		WithArgs("PROCESSING", 0, nil, d.UpdatedAt, started, nil, "d1", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Update(context.Background(), &d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Version != 3 {
		t.Fatalf("want version 3 after update, got %d", d.Version)
	}
}

func TestUpdate_VersionConflictRowsAffected0(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	d := sampleDownload()
	d.Version = 2

	mock.ExpectExec(`UPDATE external_downloads`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), &d)
	if !errors.Is(err, common.ErrVersionConflict) {
		t.Fatalf("want ErrVersionConflict, got %v", err)
	}
}

func downloadColumns() []string {
	return []string{"id", "session_id", "source_url", "bucket", "key", "callback_url",
		"status", "retry_count", "max_retries", "last_error", "version",
		"created_at", "updated_at", "started_at", "completed_at"}
}

func TestGetByID_NullableFields(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(downloadColumns()).
		AddRow("d1", "s1", "https://files.example.com/big.bin", "fileflow", "k", nil,
			"PENDING", 1, 3, "connection reset", int64(2),
			now, now, nil, nil)

	mock.ExpectQuery(`SELECT .* FROM external_downloads WHERE id = \$1`).
		WithArgs("d1").
		WillReturnRows(rows)

	d, err := repo.GetByID(context.Background(), "d1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.CallbackURL != "" || d.StartedAt != nil || d.CompletedAt != nil {
		t.Fatalf("null columns must stay zero: %+v", d)
	}
	if d.LastError != "connection reset" || d.RetryCount != 1 {
		t.Fatalf("unexpected download: %+v", d)
	}
}

func TestGetByID_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM external_downloads WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "missing")
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestFindStale(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	cutoff := now.Add(-10 * time.Minute)
	started := now.Add(-30 * time.Minute)

	rows := sqlmock.NewRows(downloadColumns()).
		AddRow("d1", "s1", "https://files.example.com/a.bin", "b", "k1", nil,
			"PROCESSING", 0, 3, nil, int64(2),
			now.Add(-time.Hour), started, started, nil)

	mock.ExpectQuery(`SELECT .* FROM external_downloads WHERE status = \$1 AND updated_at < \$2 ORDER BY updated_at LIMIT \$3`).
		WithArgs("PROCESSING", cutoff, 100).
		WillReturnRows(rows)

	found, err := repo.FindStale(context.Background(), models.DownloadProcessing, cutoff, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(found) != 1 || found[0].ID != "d1" || found[0].StartedAt == nil {
		t.Fatalf("unexpected result: %+v", found)
	}
}
