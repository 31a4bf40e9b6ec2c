// Package storage persists coordinator history in SQLite: power transitions
// and the wakelock audit trail. Both tables are pruned on insert so the
// database stays bounded on small devices.
package storage

import (
	"database/sql"
	"sync"

	"github.com/rs/zerolog"

	// Pure-Go SQLite driver, registers "sqlite". No CGO needed, which keeps
	// cross-compiling for the board trivial.
	_ "modernc.org/sqlite"

	pmerrors "github.com/corepower/pmcoord/internal/errors"
	"github.com/corepower/pmcoord/internal/logger"
)

// DefaultMaxRows bounds each history table when no limit is configured.
const DefaultMaxRows = 10000

// SQLiteStore is the coordinator's history store.
// It creates the database and tables on first use and supports
// concurrent access through internal locking.
type SQLiteStore struct {
	db  *sql.DB
	mu  sync.RWMutex // Guards all database operations.
	log zerolog.Logger
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
// Use ":memory:" for an in-memory database (useful for testing).
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	log := logger.WithComponent("storage")
	log.Info().Str("path", path).Msg("opening database")

	// busy_timeout covers the CLI and the daemon touching the file at once.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, pmerrors.Wrap(pmerrors.CodeStorageOpenFailed, "open database", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, pmerrors.Wrap(pmerrors.CodeStorageOpenFailed, "ping database", err)
	}

	store := &SQLiteStore{db: db, log: log}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, pmerrors.Wrap(pmerrors.CodeStorageOpenFailed, "init schema", err)
	}

	log.Info().Int("schema_version", currentSchemaVersion).Msg("database ready")
	return store, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	s.log.Info().Msg("closing database")
	return s.db.Close()
}

func queryFailed(what string, err error) error {
	return pmerrors.Wrap(pmerrors.CodeStorageQueryFailed, what, err)
}

func saveFailed(what string, err error) error {
	return pmerrors.Wrap(pmerrors.CodeStorageSaveFailed, what, err)
}
