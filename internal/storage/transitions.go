package storage

// transitions.go holds the power transition history: one row per
// coordinator event other than wakelock changes.

import (
	"time"
)

// TransitionEntry is a persisted coordinator event.
type TransitionEntry struct {
	ID         int64     `json:"id"`
	EventID    string    `json:"event_id"`
	Kind       string    `json:"kind"`
	Core       string    `json:"core,omitempty"`
	State      string    `json:"state,omitempty"`
	SleepType  string    `json:"sleep_type,omitempty"`
	DurationMs uint32    `json:"duration_ms,omitempty"`
	Deep       bool      `json:"deep,omitempty"`
	SleptMs    uint32    `json:"slept_ms,omitempty"`
	Mask       uint32    `json:"mask,omitempty"`
	Source     string    `json:"source,omitempty"`
	Code       string    `json:"code,omitempty"`
	At         time.Time `json:"at"`
}

// SaveAndPruneTransition inserts an entry and prunes the oldest rows
// beyond maxRows in a single transaction.
func (s *SQLiteStore) SaveAndPruneTransition(entry *TransitionEntry, maxRows int) error {
	if entry == nil {
		return saveFailed("transition entry cannot be nil", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return saveFailed("begin transaction", err)
	}
	defer tx.Rollback()

	const insertQuery = `
		INSERT INTO power_transitions
			(event_id, kind, core, state, sleep_type, duration_ms, deep, slept_ms, mask, source, code, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := tx.Exec(insertQuery,
		entry.EventID,
		entry.Kind,
		entry.Core,
		entry.State,
		entry.SleepType,
		entry.DurationMs,
		boolToInt(entry.Deep),
		entry.SleptMs,
		entry.Mask,
		entry.Source,
		entry.Code,
		entry.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return saveFailed("insert transition", err)
	}

	if maxRows > 0 {
		const pruneQuery = `
			DELETE FROM power_transitions
			WHERE id NOT IN (SELECT id FROM power_transitions ORDER BY id DESC LIMIT ?)
		`
		if _, err := tx.Exec(pruneQuery, maxRows); err != nil {
			return saveFailed("prune transitions", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return saveFailed("commit transition", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	s.log.Debug().Str("kind", entry.Kind).Str("core", entry.Core).Msg("saved transition")
	return nil
}

// ListTransitions returns entries newest first. A limit <= 0 returns all
// rows; a non-empty core filters by core.
func (s *SQLiteStore) ListTransitions(limit int, core string) ([]*TransitionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, event_id, kind, core, state, sleep_type, duration_ms, deep, slept_ms, mask, source, code, at
		FROM power_transitions
	`
	var args []interface{}
	if core != "" {
		query += " WHERE core = ?"
		args = append(args, core)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, queryFailed("query transitions", err)
	}
	defer rows.Close()

	var entries []*TransitionEntry
	for rows.Next() {
		var (
			entry TransitionEntry
			deep  int
			atStr string
		)
		err := rows.Scan(
			&entry.ID,
			&entry.EventID,
			&entry.Kind,
			&entry.Core,
			&entry.State,
			&entry.SleepType,
			&entry.DurationMs,
			&deep,
			&entry.SleptMs,
			&entry.Mask,
			&entry.Source,
			&entry.Code,
			&atStr,
		)
		if err != nil {
			return nil, queryFailed("scan transition row", err)
		}
		t, err := time.Parse(time.RFC3339Nano, atStr)
		if err != nil {
			return nil, queryFailed("parse transition at", err)
		}
		entry.Deep = deep != 0
		entry.At = t
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, queryFailed("iterate transition rows", err)
	}
	return entries, nil
}

// ProbeWrite verifies the history tables are writable with an insert and
// delete inside one transaction.
func (s *SQLiteStore) ProbeWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return saveFailed("begin transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO power_transitions (event_id, kind, source, at) VALUES (?, ?, ?, ?)`,
		"",
		"startup_probe",
		"startup_writability_check",
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return saveFailed("insert probe row", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return saveFailed("last insert id", err)
	}
	if _, err := tx.Exec("DELETE FROM power_transitions WHERE id = ?", id); err != nil {
		return saveFailed("delete probe row", err)
	}
	if err := tx.Commit(); err != nil {
		return saveFailed("commit probe", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
