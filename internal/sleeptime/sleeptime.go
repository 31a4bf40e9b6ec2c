// Package sleeptime converts the always-on tick counter into milliseconds.
package sleeptime

import (
	"sync/atomic"
)

// DefaultTickHz is the always-on 32.768 kHz counter frequency.
const DefaultTickHz = 32768

// TickSource reads the free-running 32-bit tick counter.
type TickSource interface {
	MonotonicTick() uint32
}

// Accountant measures gated periods against a TickSource.
type Accountant struct {
	hz    uint32
	ticks TickSource
}

// NewAccountant returns an accountant for a counter running at hz.
// A zero hz selects DefaultTickHz.
func NewAccountant(ticks TickSource, hz uint32) *Accountant {
	if hz == 0 {
		hz = DefaultTickHz
	}
	return &Accountant{hz: hz, ticks: ticks}
}

// Hz returns the counter frequency.
func (a *Accountant) Hz() uint32 { return a.hz }

// Now returns the current tick.
func (a *Accountant) Now() uint32 { return a.ticks.MonotonicTick() }

// ElapsedTicks returns current-last modulo 2^32, so a single counter
// wrap between the two readings still yields the true distance.
func ElapsedTicks(lastTick, currentTick uint32) uint32 {
	return currentTick - lastTick
}

// TicksToMs converts a tick count to milliseconds in two terms: whole
// counter periods and the sub-period remainder, so the intermediate
// products stay within 32 bits for any delta.
func TicksToMs(ticks, hz uint32) uint32 {
	whole := ticks / hz
	rem := ticks % hz
	return whole*1000 + uint32(uint64(rem)*1000/uint64(hz))
}

// MsToTicks converts milliseconds to ticks, rounded to nearest.
func MsToTicks(ms, hz uint32) uint32 {
	return uint32((uint64(ms)*uint64(hz) + 500) / 1000)
}

// ElapsedMs returns the milliseconds between two tick readings.
func (a *Accountant) ElapsedMs(lastTick, currentTick uint32) uint32 {
	return TicksToMs(ElapsedTicks(lastTick, currentTick), a.hz)
}

// Record tracks one core's gated periods.
type Record struct {
	lastEntryTick atomic.Uint32
	lastSleptMs   atomic.Uint32
	gated         atomic.Bool
}

// MarkEntry stores the tick at which the core finished gating.
func (r *Record) MarkEntry(tick uint32) {
	r.lastEntryTick.Store(tick)
	r.gated.Store(true)
}

// LastEntryTick returns the tick stored by the most recent MarkEntry.
func (r *Record) LastEntryTick() uint32 {
	return r.lastEntryTick.Load()
}

// MarkExit closes the current gated period and returns its length.
func (r *Record) MarkExit(a *Accountant) uint32 {
	ms := a.ElapsedMs(r.lastEntryTick.Load(), a.Now())
	r.lastSleptMs.Store(ms)
	r.gated.Store(false)
	return ms
}

// SleepTime reports the last gated period in milliseconds. While the core
// is still gated it reports the time spent so far.
func (r *Record) SleepTime(a *Accountant) uint32 {
	if r.gated.Load() {
		return a.ElapsedMs(r.lastEntryTick.Load(), a.Now())
	}
	return r.lastSleptMs.Load()
}
