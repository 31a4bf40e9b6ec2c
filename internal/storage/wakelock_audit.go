package storage

// wakelock_audit.go records wakelock acquire/release operations made
// through the coordinator API.

import (
	"time"
)

// WakelockAuditEntry is one wakelock mutation.
type WakelockAuditEntry struct {
	ID        int64     `json:"id"`
	EventID   string    `json:"event_id,omitempty"`
	Operation string    `json:"operation"`
	Domain    string    `json:"domain"`
	LockKind  string    `json:"lock_kind"`
	Mask      uint32    `json:"mask"`
	At        time.Time `json:"at"`
}

// SaveAndPruneWakelockAudit inserts an audit entry and prunes oldest beyond
// maxRows in a single tx.
func (s *SQLiteStore) SaveAndPruneWakelockAudit(entry *WakelockAuditEntry, maxRows int) error {
	if entry == nil {
		return saveFailed("wakelock audit entry cannot be nil", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return saveFailed("begin transaction", err)
	}
	defer tx.Rollback()

	const insertQuery = `
		INSERT INTO wakelock_audit (event_id, operation, domain, lock_kind, mask, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = tx.Exec(insertQuery,
		entry.EventID,
		entry.Operation,
		entry.Domain,
		entry.LockKind,
		entry.Mask,
		entry.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return saveFailed("insert wakelock audit", err)
	}

	if maxRows > 0 {
		const pruneQuery = `
			DELETE FROM wakelock_audit
			WHERE id NOT IN (SELECT id FROM wakelock_audit ORDER BY id DESC LIMIT ?)
		`
		if _, err := tx.Exec(pruneQuery, maxRows); err != nil {
			return saveFailed("prune wakelock audit", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return saveFailed("commit wakelock audit", err)
	}

	s.log.Debug().Str("operation", entry.Operation).Str("domain", entry.Domain).Msg("saved wakelock audit")
	return nil
}

// ListWakelockAudit returns audit entries newest first.
func (s *SQLiteStore) ListWakelockAudit(limit int) ([]*WakelockAuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, event_id, operation, domain, lock_kind, mask, at
		FROM wakelock_audit
		ORDER BY id DESC
	`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, queryFailed("query wakelock audit", err)
	}
	defer rows.Close()

	var entries []*WakelockAuditEntry
	for rows.Next() {
		var (
			entry WakelockAuditEntry
			atStr string
		)
		if err := rows.Scan(&entry.ID, &entry.EventID, &entry.Operation, &entry.Domain, &entry.LockKind, &entry.Mask, &atStr); err != nil {
			return nil, queryFailed("scan wakelock audit row", err)
		}
		t, err := time.Parse(time.RFC3339Nano, atStr)
		if err != nil {
			return nil, queryFailed("parse wakelock audit at", err)
		}
		entry.At = t
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, queryFailed("iterate wakelock audit rows", err)
	}
	return entries, nil
}
