// Package hal defines the capability interfaces the power coordinator
// consumes from peripheral drivers, plus a simulated SoC implementing them.
//
// Nothing in this package knows about wakelocks or power states; it only
// models the hardware knobs (clock, rails, isolation, retention), the
// always-on wake timer and pins, the interrupt controller and the free
// running tick counter.
package hal

import (
	"fmt"
	"strings"
)

// CoreID identifies a physical execution unit.
type CoreID uint8

const (
	CoreAP  CoreID = iota // application processor
	CoreNP                // network processor (KM4)
	CoreLP                // low-power processor (KM0)
	CoreKR4               // companion core
)

var coreNames = [...]string{
	CoreAP:  "ap",
	CoreNP:  "np",
	CoreLP:  "lp",
	CoreKR4: "kr4",
}

func (c CoreID) String() string {
	if int(c) < len(coreNames) {
		return coreNames[c]
	}
	return fmt.Sprintf("core(%d)", uint8(c))
}

// ParseCoreID resolves a core by name ("ap", "np", "km4", "lp", "km0", "kr4").
func ParseCoreID(name string) (CoreID, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ap":
		return CoreAP, true
	case "np", "km4":
		return CoreNP, true
	case "lp", "km0":
		return CoreLP, true
	case "kr4":
		return CoreKR4, true
	}
	return 0, false
}

// RetentionMode is the cache/SRAM mode applied while a core is gated.
type RetentionMode uint8

const (
	// RetentionOff means caches run normally (core active).
	RetentionOff RetentionMode = iota
	// RetentionRetain keeps cache contents with reduced supply.
	RetentionRetain
	// RetentionShutdown powers caches down; contents are lost.
	RetentionShutdown
)

func (m RetentionMode) String() string {
	switch m {
	case RetentionRetain:
		return "retain"
	case RetentionShutdown:
		return "shutdown"
	}
	return "off"
}

// ParseRetentionMode resolves a mode by name.
func ParseRetentionMode(name string) (RetentionMode, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "retain", "retention":
		return RetentionRetain, true
	case "shutdown":
		return RetentionShutdown, true
	case "off":
		return RetentionOff, true
	}
	return 0, false
}

// Vector is an interrupt line number.
type Vector uint16

// Polarity selects the wake pin trigger.
type Polarity uint8

const (
	PolarityRising Polarity = iota
	PolarityFalling
	PolarityHigh
	PolarityLow
)

// PowerControl gates clocks and power domains of a core.
type PowerControl interface {
	ReadCoreIdleSignal(core CoreID) bool
	SetClockEnable(core CoreID, on bool)
	SetPowerRail(core CoreID, on bool)
	SetIsolation(core CoreID, on bool)
	SetCacheRetention(core CoreID, mode RetentionMode)
}

// WakeTimer is the always-on wake timer.
type WakeTimer interface {
	// ProgramWakeTimer loads the timer and returns the programmed tick count.
	ProgramWakeTimer(ms uint32) uint32
	ClearWakeTimerPending()
	EnableTimerInterrupt()
	DisableTimerInterrupt()
}

// WakePins configures always-on wake pins.
type WakePins interface {
	ConfigureWakePin(pin uint8, polarity Polarity, debounceCycles uint32)
	EnableWakePin(pin uint8)
	DisableWakePin(pin uint8)
	ClearWakePinPending(pin uint8)
}

// InterruptHandler receives an interrupt on a registered vector.
type InterruptHandler interface {
	HandleInterrupt(v Vector)
}

// InterruptHandlerFunc adapts a function to InterruptHandler.
type InterruptHandlerFunc func(v Vector)

// HandleInterrupt calls f(v).
func (f InterruptHandlerFunc) HandleInterrupt(v Vector) { f(v) }

// InterruptController is the per-core interrupt controller.
type InterruptController interface {
	RegisterInterruptHandler(v Vector, h InterruptHandler, priority uint8)
	EnableInterrupt(v Vector)
	DisableInterrupt(v Vector)
	ClearPendingInterrupt(v Vector)
}

// IPCTrigger raises an inter-processor interrupt on the receiving core.
type IPCTrigger interface {
	TriggerInterrupt(v Vector)
}

// Clock is the free-running 32-bit always-on counter.
type Clock interface {
	MonotonicTick() uint32
}

// Cache performs cache maintenance on shared buffers.
type Cache interface {
	InvalidateCache(buf []byte)
}

// System controls chip-wide low-power modes.
type System interface {
	EnterDeepSleep()
}

// Platform bundles every capability the coordinator needs.
type Platform interface {
	PowerControl
	WakeTimer
	WakePins
	InterruptController
	IPCTrigger
	Clock
	Cache
	System
}
