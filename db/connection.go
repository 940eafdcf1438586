package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/logger"
)

// SQLiteBusyTimeoutMS is how long a connection waits on a locked database
const SQLiteBusyTimeoutMS = 5000

// DSN builds a go-sqlite3 data source name for path. Settings go into the
// DSN rather than one-off PRAGMAs so that every pooled connection gets
// them. Transactions begin IMMEDIATE so that conditional inserts take the
// write lock up front.
func DSN(path string) string {
	params := url.Values{}
	params.Set("_foreign_keys", "1")
	params.Set("_busy_timeout", fmt.Sprint(SQLiteBusyTimeoutMS))
	params.Set("_txlock", "immediate")
	if !isMemory(path) {
		params.Set("_journal_mode", "WAL")
	}

	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + params.Encode()
	}
	return "file:" + path + "?" + params.Encode()
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory") || strings.HasPrefix(path, "file::memory:")
}

// Open opens a SQLite database at the specified path with WAL, foreign keys
// and a busy timeout. If log is provided, logs database operations;
// otherwise operates silently.
func Open(path string, log *zap.SugaredLogger) (*sql.DB, error) {
	if log != nil {
		logger.AddDBSymbol(log).Debugw("Opening database", "path", path)
	}

	db, err := sql.Open("sqlite3", DSN(path))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database %s", path)
	}

	if isMemory(path) {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to connect to database %s", path)
	}

	if log != nil {
		logger.AddDBSymbol(log).Infow("Database opened",
			"path", path,
			"wal_mode", !isMemory(path),
			"foreign_keys", true,
		)
	}

	return db, nil
}

// OpenWithMigrations opens the database and applies all pending migrations
func OpenWithMigrations(path string, log *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(path, log)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if err := Migrate(db, log); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}

	return db, nil
}
