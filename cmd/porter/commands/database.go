package commands

import (
	"database/sql"

	"github.com/fieldline/porter/config"
	"github.com/fieldline/porter/db"
	"github.com/fieldline/porter/errors"
	"github.com/fieldline/porter/logger"
)

// openDatabase opens the state database at the configured path and applies
// pending migrations. Callers own closing the handle.
func openDatabase() (*sql.DB, error) {
	path, err := config.DatabasePath()
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve database path")
	}

	database, err := db.Open(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}

	return database, nil
}
