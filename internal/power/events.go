package power

import (
	"time"

	"github.com/google/uuid"
)

// EventKind names a coordinator event.
type EventKind string

const (
	EventSuspend         EventKind = "suspend"
	EventSuspendRefused  EventKind = "suspend_refused"
	EventSuspendTimeout  EventKind = "suspend_timeout"
	EventPreempted       EventKind = "preempted"
	EventResume          EventKind = "resume"
	EventResumeBlocked   EventKind = "resume_blocked"
	EventDeepSleep       EventKind = "deep_sleep"
	EventKick            EventKind = "kick"
	EventUnknownType     EventKind = "unknown_sleep_type"
	EventWakelockAcquire EventKind = "wakelock_acquire"
	EventWakelockRelease EventKind = "wakelock_release"
)

// Event records one coordinator transition or decision.
type Event struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	Kind       EventKind `json:"kind"`
	Core       string    `json:"core,omitempty"`
	State      string    `json:"state,omitempty"`
	SleepType  string    `json:"sleep_type,omitempty"`
	DurationMs uint32    `json:"duration_ms,omitempty"`
	Deep       bool      `json:"deep,omitempty"`
	SleptMs    uint32    `json:"slept_ms,omitempty"`
	Mask       uint32    `json:"mask,omitempty"`
	Domain     string    `json:"domain,omitempty"`
	LockKind   string    `json:"lock_kind,omitempty"`
	Source     string    `json:"source,omitempty"`
	Code       string    `json:"code,omitempty"`
}

// EventSink receives coordinator events. Publish is called while the
// coordinator holds the affected core's lock, so it must not call back
// into the coordinator for that core and should not block for long.
type EventSink interface {
	Publish(ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev Event)

// Publish calls f(ev).
func (f EventSinkFunc) Publish(ev Event) { f(ev) }

// MultiSink fans an event out to every sink in order.
type MultiSink []EventSink

// Publish implements EventSink.
func (m MultiSink) Publish(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ev)
		}
	}
}

type nopSink struct{}

func (nopSink) Publish(Event) {}

func newEvent(kind EventKind, core string) Event {
	return Event{
		ID:   uuid.New().String(),
		Time: time.Now().UTC(),
		Kind: kind,
		Core: core,
	}
}
