package repomanager

import (
	"context"
	"database/sql"

	"github.com/docuvert/docuvert/internal/dbx"
	"github.com/docuvert/docuvert/internal/server/repositories/files"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Files(db dbx.DBTX) files.Repository
}
