package repomanager

import (
	"context"
	"database/sql"

	"github.com/dkrasnov/signflow/internal/dbx"
	"github.com/dkrasnov/signflow/internal/server/repositories/filemeta"
	"github.com/dkrasnov/signflow/internal/server/repositories/requests"
)

// RepositoryManager vends repositories bound to a DBTX, so a service can run
// several repository calls inside one transaction.
type RepositoryManager interface {
	RunMigrations(ctx context.Context, db *sql.DB) error
	Requests(db dbx.DBTX) requests.Repository
	FileMetadata(db dbx.DBTX) filemeta.Repository
}
