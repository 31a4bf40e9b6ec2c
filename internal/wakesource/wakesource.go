// Package wakesource arms and dispatches the always-on wake sources: the
// wake timer, wake pins and peer wake interrupts.
//
// Every source is one-shot. The dispatch wrapper installed on the interrupt
// vector disables the interrupt before anything else, disarms the source and
// only then calls the registered WakeHandler.
package wakesource

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/corepower/pmcoord/internal/hal"
)

// Kind is the wake source type.
type Kind uint8

const (
	KindTimer Kind = iota
	KindPin
	KindPeer
)

func (k Kind) String() string {
	switch k {
	case KindTimer:
		return "timer"
	case KindPin:
		return "pin"
	case KindPeer:
		return "peer"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Source identifies one wake source. ID is the pin number for pins and the
// interrupt vector for peer signals; it is zero for the timer.
type Source struct {
	Kind Kind
	ID   uint16
}

func (s Source) String() string {
	if s.Kind == KindTimer {
		return "timer"
	}
	return fmt.Sprintf("%s:%d", s.Kind, s.ID)
}

// Timer is the wake timer source.
var Timer = Source{Kind: KindTimer}

// Pin returns the source for a wake pin.
func Pin(pin uint8) Source { return Source{Kind: KindPin, ID: uint16(pin)} }

// Peer returns the source for a peer wake vector.
func Peer(v hal.Vector) Source { return Source{Kind: KindPeer, ID: uint16(v)} }

// WakeHandler is called once when an armed source fires.
type WakeHandler interface {
	Wake(src Source)
}

// WakeHandlerFunc adapts a function to WakeHandler.
type WakeHandlerFunc func(src Source)

// Wake calls f(src).
func (f WakeHandlerFunc) Wake(src Source) { f(src) }

// Platform is the subset of the HAL the manager drives.
type Platform interface {
	hal.WakeTimer
	hal.WakePins
	hal.InterruptController
}

// Config holds the interrupt wiring of the wake sources.
type Config struct {
	TimerVector   hal.Vector
	PinVectorBase hal.Vector
	Priority      uint8
}

// Manager owns the armed wake sources.
type Manager struct {
	hw  Platform
	cfg Config
	log zerolog.Logger

	mu    sync.Mutex
	armed map[Source]WakeHandler
}

// NewManager creates a manager over the platform's wake hardware.
func NewManager(hw Platform, cfg Config, log zerolog.Logger) *Manager {
	return &Manager{
		hw:    hw,
		cfg:   cfg,
		log:   log,
		armed: make(map[Source]WakeHandler),
	}
}

// ArmTimer programs the wake timer for durationMs and returns the programmed
// tick count. A zero duration arms nothing and returns 0. Re-arming replaces
// the previous timer handler.
func (m *Manager) ArmTimer(durationMs uint32, h WakeHandler) uint32 {
	if durationMs == 0 {
		return 0
	}

	m.mu.Lock()
	m.armed[Timer] = h
	m.mu.Unlock()

	m.hw.ClearWakeTimerPending()
	ticks := m.hw.ProgramWakeTimer(durationMs)
	m.hw.RegisterInterruptHandler(m.cfg.TimerVector, m.dispatcher(Timer), m.cfg.Priority)
	m.hw.ClearPendingInterrupt(m.cfg.TimerVector)
	m.hw.EnableInterrupt(m.cfg.TimerVector)
	m.hw.EnableTimerInterrupt()

	m.log.Debug().Uint32("duration_ms", durationMs).Uint32("ticks", ticks).Msg("wake timer armed")
	return ticks
}

// ArmPin configures a wake pin and enables its interrupt.
func (m *Manager) ArmPin(pin uint8, polarity hal.Polarity, debounceCycles uint32, h WakeHandler) {
	src := Pin(pin)
	v := m.pinVector(pin)

	m.mu.Lock()
	m.armed[src] = h
	m.mu.Unlock()

	m.hw.ConfigureWakePin(pin, polarity, debounceCycles)
	m.hw.ClearWakePinPending(pin)
	m.hw.RegisterInterruptHandler(v, m.dispatcher(src), m.cfg.Priority)
	m.hw.ClearPendingInterrupt(v)
	m.hw.EnableInterrupt(v)
	m.hw.EnableWakePin(pin)

	m.log.Debug().Uint8("pin", pin).Msg("wake pin armed")
}

// ArmPeer clears any stale wake request on the vector, then registers and
// enables it.
func (m *Manager) ArmPeer(v hal.Vector, h WakeHandler) {
	src := Peer(v)

	m.mu.Lock()
	m.armed[src] = h
	m.mu.Unlock()

	m.hw.ClearPendingInterrupt(v)
	m.hw.RegisterInterruptHandler(v, m.dispatcher(src), m.cfg.Priority)
	m.hw.EnableInterrupt(v)

	m.log.Debug().Uint16("vector", uint16(v)).Msg("peer wake armed")
}

// Disarm disables the source's interrupt and clears its pending status.
// Disarming an idle source is a no-op apart from the hardware writes.
func (m *Manager) Disarm(src Source) {
	m.mu.Lock()
	delete(m.armed, src)
	m.mu.Unlock()

	m.quiesce(src)
}

// Armed reports whether src is waiting to fire.
func (m *Manager) Armed(src Source) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.armed[src]
	return ok
}

// ArmedSources lists the sources waiting to fire.
func (m *Manager) ArmedSources() []Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Source, 0, len(m.armed))
	for src := range m.armed {
		out = append(out, src)
	}
	return out
}

func (m *Manager) pinVector(pin uint8) hal.Vector {
	return m.cfg.PinVectorBase + hal.Vector(pin)
}

func (m *Manager) vector(src Source) hal.Vector {
	switch src.Kind {
	case KindTimer:
		return m.cfg.TimerVector
	case KindPin:
		return m.pinVector(uint8(src.ID))
	}
	return hal.Vector(src.ID)
}

func (m *Manager) quiesce(src Source) {
	v := m.vector(src)
	switch src.Kind {
	case KindTimer:
		m.hw.DisableTimerInterrupt()
		m.hw.DisableInterrupt(v)
		m.hw.ClearWakeTimerPending()
	case KindPin:
		m.hw.DisableWakePin(uint8(src.ID))
		m.hw.DisableInterrupt(v)
		m.hw.ClearWakePinPending(uint8(src.ID))
	default:
		m.hw.DisableInterrupt(v)
	}
	m.hw.ClearPendingInterrupt(v)
}

func (m *Manager) dispatcher(src Source) hal.InterruptHandler {
	return hal.InterruptHandlerFunc(func(hal.Vector) {
		m.quiesce(src)

		m.mu.Lock()
		h, ok := m.armed[src]
		delete(m.armed, src)
		m.mu.Unlock()

		if !ok || h == nil {
			m.log.Debug().Stringer("source", src).Msg("spurious wake interrupt")
			return
		}
		m.log.Debug().Stringer("source", src).Msg("wake source fired")
		h.Wake(src)
	})
}
