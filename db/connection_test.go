package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestOpen(t *testing.T) {
	t.Run("opens file database with WAL", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "relay.db")

		db, err := Open(dbPath, zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)
		defer db.Close()

		var journalMode string
		require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
		assert.Equal(t, "wal", journalMode)

		var foreignKeys int
		require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
		assert.Equal(t, 1, foreignKeys)

		var busyTimeout int
		require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
		assert.Equal(t, SQLiteBusyTimeoutMS, busyTimeout)

		_, err = os.Stat(dbPath)
		assert.NoError(t, err, "database file should be created")
	})

	t.Run("in-memory database keeps one connection", func(t *testing.T) {
		db, err := Open(":memory:", nil)
		require.NoError(t, err)
		defer db.Close()

		_, err = db.Exec("CREATE TABLE t (x INTEGER)")
		require.NoError(t, err)
		_, err = db.Exec("INSERT INTO t VALUES (1)")
		require.NoError(t, err)

		var n int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM t").Scan(&n))
		assert.Equal(t, 1, n)
	})

	t.Run("returns wrapped error for invalid path", func(t *testing.T) {
		_, err := Open("/invalid/nonexistent/path/relay.db", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "/invalid/nonexistent/path/relay.db")
	})
}

func TestDSN(t *testing.T) {
	assert.Contains(t, DSN("relay.db"), "file:relay.db?")
	assert.Contains(t, DSN("relay.db"), "_txlock=immediate")
	assert.Contains(t, DSN("relay.db"), "_journal_mode=WAL")
	assert.NotContains(t, DSN(":memory:"), "_journal_mode")
	assert.Contains(t, DSN("file:x.db?cache=shared"), "file:x.db?cache=shared&")
}

func TestIsDatabaseClosed(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "closed.db"), nil)
	require.NoError(t, err)
	db.Close()

	_, err = db.Exec("SELECT 1")
	require.Error(t, err)
	assert.True(t, IsDatabaseClosed(err))
	assert.False(t, IsDatabaseClosed(nil))
}
