package power

import (
	"encoding/json"
	"fmt"

	"github.com/corepower/pmcoord/internal/mailbox"
)

// State is a core's power state.
type State int32

const (
	StateActive State = iota
	StateClockGated
	StatePowerGated
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClockGated:
		return "clock_gated"
	case StatePowerGated:
		return "power_gated"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// MarshalJSON encodes the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Gated reports whether the core is clock or power gated.
func (s State) Gated() bool {
	return s == StateClockGated || s == StatePowerGated
}

// gatedState maps a sleep type to the state it produces.
func gatedState(t mailbox.SleepType) State {
	if t == mailbox.SleepClockGate {
		return StateClockGated
	}
	return StatePowerGated
}

// SystemMode is the chip-wide low-power mode.
type SystemMode int32

const (
	ModeActive SystemMode = iota
	ModeDeepSleep
)

func (m SystemMode) String() string {
	if m == ModeDeepSleep {
		return "deep_sleep"
	}
	return "active"
}

// MarshalJSON encodes the mode by name.
func (m SystemMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}
