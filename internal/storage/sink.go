package storage

import (
	"strings"

	"github.com/corepower/pmcoord/internal/power"
)

// EventSink persists coordinator events: wakelock changes go to the audit
// table, everything else to the transition history.
type EventSink struct {
	store   *SQLiteStore
	maxRows int
}

// NewEventSink wraps a store. maxRows <= 0 selects DefaultMaxRows.
func NewEventSink(store *SQLiteStore, maxRows int) *EventSink {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &EventSink{store: store, maxRows: maxRows}
}

// Publish implements power.EventSink. Storage errors are logged, never
// propagated into the coordinator.
func (s *EventSink) Publish(ev power.Event) {
	var err error
	switch ev.Kind {
	case power.EventWakelockAcquire, power.EventWakelockRelease:
		err = s.store.SaveAndPruneWakelockAudit(&WakelockAuditEntry{
			EventID:   ev.ID,
			Operation: strings.TrimPrefix(string(ev.Kind), "wakelock_"),
			Domain:    ev.Domain,
			LockKind:  ev.LockKind,
			Mask:      ev.Mask,
			At:        ev.Time,
		}, s.maxRows)
	default:
		err = s.store.SaveAndPruneTransition(&TransitionEntry{
			EventID:    ev.ID,
			Kind:       string(ev.Kind),
			Core:       ev.Core,
			State:      ev.State,
			SleepType:  ev.SleepType,
			DurationMs: ev.DurationMs,
			Deep:       ev.Deep,
			SleptMs:    ev.SleptMs,
			Mask:       ev.Mask,
			Source:     ev.Source,
			Code:       ev.Code,
			At:         ev.Time,
		}, s.maxRows)
	}
	if err != nil {
		s.store.log.Error().Err(err).Str("event", string(ev.Kind)).Msg("failed to persist event")
	}
}
