package repomanager

import (
	"github.com/fileflow/fileflow/internal/dbx"
	"github.com/fileflow/fileflow/internal/server/repositories/downloads"
	"github.com/fileflow/fileflow/internal/server/repositories/outbox"
	"github.com/fileflow/fileflow/internal/server/repositories/sessions"
)

// PostgresRepositoryManager hands out postgres repositories.
type PostgresRepositoryManager struct{}

// NewPostgresRepositoryManager constructs the manager.
func NewPostgresRepositoryManager() *PostgresRepositoryManager {
	return &PostgresRepositoryManager{}
}

func (m *PostgresRepositoryManager) Sessions(db dbx.DBTX) sessions.Repository {
	return sessions.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Downloads(db dbx.DBTX) downloads.Repository {
	return downloads.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) Outbox(db dbx.DBTX) outbox.Repository {
	return outbox.NewPostgresRepository(db)
}
