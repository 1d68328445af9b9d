package db

import (
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/transmute/errors"
)

// SQLiteBusyTimeoutMS is how long SQLite waits on a locked database
const SQLiteBusyTimeoutMS = 5000

// Open opens the job store. driver is "sqlite3" or "pgx".
// If logger is provided, logs database operations; otherwise operates silently.
func Open(driver, dsn string, logger *zap.SugaredLogger) (*sqlx.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "driver", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s database", driver)
	}

	if driver == "sqlite3" {
		if err := applySQLitePragmas(db); err != nil {
			db.Close()
			return nil, err
		}
	} else if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to reach %s database", driver)
	}

	if logger != nil {
		logger.Infow("Database opened", "driver", driver)
	}
	return db, nil
}

// OpenWithMigrations opens the database and applies pending migrations.
func OpenWithMigrations(driver, dsn string, logger *zap.SugaredLogger) (*sqlx.DB, error) {
	db, err := Open(driver, dsn, logger)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}
	return db, nil
}

func applySQLitePragmas(db *sqlx.DB) error {
	// WAL for concurrent reads while a worker writes
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return errors.Wrap(err, "failed to enable WAL mode")
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return errors.Wrap(err, "failed to enable foreign keys")
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return errors.Wrap(err, "failed to set busy timeout")
	}
	return nil
}
