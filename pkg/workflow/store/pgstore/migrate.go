package pgstore

import (
	"embed"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	sharederrors "github.com/kubernaut/workflow-engine/pkg/shared/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies every pending migration under migrations/ to the
// database reachable via dsn (a postgres:// connection URL). Goose is
// idempotent: already-applied versions are skipped.
func Migrate(dsn string) error {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return sharederrors.FailedTo("connect for migrations", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return sharederrors.FailedTo("set migration dialect", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return sharederrors.FailedTo("apply migrations", err)
	}
	return nil
}
