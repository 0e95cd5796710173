// Package repomanager wires repository implementations to database
// handles. Services ask the manager for a repository bound to either the
// shared *sql.DB or to an open transaction, so aggregate and outbox
// writes can share one commit.
package repomanager

import (
	"github.com/fileflow/fileflow/internal/dbx"
	"github.com/fileflow/fileflow/internal/server/repositories/downloads"
	"github.com/fileflow/fileflow/internal/server/repositories/outbox"
	"github.com/fileflow/fileflow/internal/server/repositories/sessions"
)

// RepositoryManager returns repositories bound to the given DBTX.
type RepositoryManager interface {
	Sessions(db dbx.DBTX) sessions.Repository
	Downloads(db dbx.DBTX) downloads.Repository
	Outbox(db dbx.DBTX) outbox.Repository
}
