package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// migrations are applied in order; a database at version n runs every
// entry after index n-1. Append only.
var migrations = []struct {
	name string
	ddl  string
}{
	{"power_transitions", `
		CREATE TABLE IF NOT EXISTS power_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			core TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT '',
			sleep_type TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			deep INTEGER NOT NULL DEFAULT 0,
			slept_ms INTEGER NOT NULL DEFAULT 0,
			mask INTEGER NOT NULL DEFAULT 0,
			source TEXT NOT NULL DEFAULT '',
			code TEXT NOT NULL DEFAULT '',
			at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transitions_core ON power_transitions(core);
	`},
	{"wakelock_audit", `
		CREATE TABLE IF NOT EXISTS wakelock_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL DEFAULT '',
			operation TEXT NOT NULL,
			domain TEXT NOT NULL,
			lock_kind TEXT NOT NULL,
			mask INTEGER NOT NULL DEFAULT 0,
			at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_wakelock_audit_domain ON wakelock_audit(domain);
	`},
}

// currentSchemaVersion is the version a fully migrated database reports.
var currentSchemaVersion = len(migrations)

// initSchema brings the database up to currentSchemaVersion.
func (s *SQLiteStore) initSchema() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	version, err := s.readVersion()
	if err != nil {
		return err
	}
	for v := version + 1; v <= len(migrations); v++ {
		m := migrations[v-1]
		s.log.Info().Int("version", v).Str("migration", m.name).Msg("applying migration")
		if err := s.applyMigration(v, m.ddl); err != nil {
			return fmt.Errorf("migrate to v%d (%s): %w", v, m.name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) readVersion() (int, error) {
	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (s *SQLiteStore) applyMigration(version int, ddl string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(ddl); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	_, err = tx.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		version,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}

	return tx.Commit()
}

// tableExists reports whether a table exists in the current database.
func (s *SQLiteStore) tableExists(name string) (bool, error) {
	var table string
	err := s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
		name,
	).Scan(&table)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", name, err)
	}
	return table == name, nil
}

// SchemaVersion returns the current database schema version.
func (s *SQLiteStore) SchemaVersion() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readVersion()
}
