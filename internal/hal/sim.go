package hal

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/corepower/pmcoord/internal/sleeptime"
)

// NeverIdle makes a simulated core's idle signal stay low forever.
const NeverIdle = -1

// SimConfig configures a simulated SoC.
type SimConfig struct {
	// TickHz is the always-on counter frequency. Default 32768.
	TickHz uint32
	// TimerVector is raised when the wake timer expires.
	TimerVector Vector
	// PinVectorBase is the vector of wake pin 0; pin n uses base+n.
	PinVectorBase Vector
	// IdleAfterPolls is how many idle-signal reads return false before a
	// core reports idle. NeverIdle keeps it low.
	IdleAfterPolls int
	// Realtime drives the tick counter and wake timer from the wall clock.
	// When false, tests advance time with AdvanceTicks and FireTimer.
	Realtime bool
}

// SimCore is the register image of one simulated core.
type SimCore struct {
	Clock     bool
	Power     bool
	Isolation bool
	Retention RetentionMode

	idleAfter int
	idlePolls int
	writes    int
}

type simIRQ struct {
	handler  InterruptHandler
	priority uint8
	enabled  bool
	pending  bool
}

type simPin struct {
	polarity Polarity
	debounce uint32
	enabled  bool
	pending  bool
}

// Sim is an in-memory Platform. Interrupts raised on an enabled vector are
// delivered synchronously on the raising goroutine; a raise on a disabled
// vector only latches the pending bit.
type Sim struct {
	cfg   SimConfig
	start time.Time

	tick atomic.Uint32

	mu            sync.Mutex
	cores         map[CoreID]*SimCore
	irqs          map[Vector]*simIRQ
	pins          map[uint8]*simPin
	timerTicks    uint32
	timerPending  bool
	timerIntOn    bool
	timerStop     *time.Timer
	deepSleeps    int
	invalidations int
}

// NewSim returns a simulated SoC with every core running.
func NewSim(cfg SimConfig) *Sim {
	if cfg.TickHz == 0 {
		cfg.TickHz = sleeptime.DefaultTickHz
	}
	s := &Sim{
		cfg:   cfg,
		start: time.Now(),
		cores: make(map[CoreID]*SimCore),
		irqs:  make(map[Vector]*simIRQ),
		pins:  make(map[uint8]*simPin),
	}
	for _, id := range []CoreID{CoreAP, CoreNP, CoreLP, CoreKR4} {
		s.cores[id] = &SimCore{Clock: true, Power: true, idleAfter: cfg.IdleAfterPolls}
	}
	return s
}

func (s *Sim) core(id CoreID) *SimCore {
	c, ok := s.cores[id]
	if !ok {
		c = &SimCore{Clock: true, Power: true, idleAfter: s.cfg.IdleAfterPolls}
		s.cores[id] = c
	}
	return c
}

// Core returns a copy of the core's register image.
func (s *Sim) Core(id CoreID) SimCore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.core(id)
}

// HardwareWrites returns how many power-control writes targeted the core.
func (s *Sim) HardwareWrites(id CoreID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.core(id).writes
}

// SetIdleAfter changes how many idle reads return false before idle
// asserts. NeverIdle keeps the signal low.
func (s *Sim) SetIdleAfter(id CoreID, polls int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.core(id)
	c.idleAfter = polls
	c.idlePolls = 0
}

// ReadCoreIdleSignal implements PowerControl.
func (s *Sim) ReadCoreIdleSignal(id CoreID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.core(id)
	if c.idleAfter == NeverIdle {
		return false
	}
	if c.idlePolls < c.idleAfter {
		c.idlePolls++
		return false
	}
	c.idlePolls = 0
	return true
}

// SetClockEnable implements PowerControl.
func (s *Sim) SetClockEnable(id CoreID, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.core(id)
	c.Clock = on
	c.writes++
}

// SetPowerRail implements PowerControl.
func (s *Sim) SetPowerRail(id CoreID, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.core(id)
	c.Power = on
	c.writes++
}

// SetIsolation implements PowerControl.
func (s *Sim) SetIsolation(id CoreID, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.core(id)
	c.Isolation = on
	c.writes++
}

// SetCacheRetention implements PowerControl.
func (s *Sim) SetCacheRetention(id CoreID, mode RetentionMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.core(id)
	c.Retention = mode
	c.writes++
}

// MonotonicTick implements Clock.
func (s *Sim) MonotonicTick() uint32 {
	if s.cfg.Realtime {
		return ticksSince(time.Since(s.start), s.cfg.TickHz)
	}
	return s.tick.Load()
}

// ticksSince converts elapsed wall time to a 32-bit tick count. Whole
// seconds and the remainder are scaled separately so the product never
// overflows and the result wraps mod 2^32 like the hardware counter.
func ticksSince(elapsed time.Duration, hz uint32) uint32 {
	secs := uint64(elapsed / time.Second)
	rem := uint64(elapsed % time.Second)
	return uint32(secs*uint64(hz) + rem*uint64(hz)/uint64(time.Second))
}

// SetTick sets the manual tick counter.
func (s *Sim) SetTick(v uint32) { s.tick.Store(v) }

// AdvanceTicks moves the manual tick counter forward, wrapping at 2^32.
func (s *Sim) AdvanceTicks(n uint32) { s.tick.Add(n) }

// ProgramWakeTimer implements WakeTimer.
func (s *Sim) ProgramWakeTimer(ms uint32) uint32 {
	ticks := sleeptime.MsToTicks(ms, s.cfg.TickHz)

	s.mu.Lock()
	s.timerTicks = ticks
	if s.timerStop != nil {
		s.timerStop.Stop()
		s.timerStop = nil
	}
	if s.cfg.Realtime {
		s.timerStop = time.AfterFunc(time.Duration(ms)*time.Millisecond, s.FireTimer)
	}
	s.mu.Unlock()

	return ticks
}

// ClearWakeTimerPending implements WakeTimer.
func (s *Sim) ClearWakeTimerPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timerPending = false
}

// EnableTimerInterrupt implements WakeTimer.
func (s *Sim) EnableTimerInterrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timerIntOn = true
}

// DisableTimerInterrupt implements WakeTimer.
func (s *Sim) DisableTimerInterrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timerIntOn = false
	if s.timerStop != nil {
		s.timerStop.Stop()
		s.timerStop = nil
	}
}

// TimerState reports the programmed ticks, pending flag and interrupt enable.
func (s *Sim) TimerState() (ticks uint32, pending, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timerTicks, s.timerPending, s.timerIntOn
}

// FireTimer expires the wake timer, raising its vector if the timer
// interrupt is enabled.
func (s *Sim) FireTimer() {
	s.mu.Lock()
	s.timerPending = true
	on := s.timerIntOn
	s.mu.Unlock()

	if on {
		s.TriggerInterrupt(s.cfg.TimerVector)
	}
}

// ConfigureWakePin implements WakePins.
func (s *Sim) ConfigureWakePin(pin uint8, polarity Polarity, debounce uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pin(pin)
	p.polarity = polarity
	p.debounce = debounce
}

// EnableWakePin implements WakePins.
func (s *Sim) EnableWakePin(pin uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pin(pin).enabled = true
}

// DisableWakePin implements WakePins.
func (s *Sim) DisableWakePin(pin uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pin(pin).enabled = false
}

// ClearWakePinPending implements WakePins.
func (s *Sim) ClearWakePinPending(pin uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pin(pin).pending = false
}

// PinState reports a wake pin's configuration.
func (s *Sim) PinState(pin uint8) (polarity Polarity, debounce uint32, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pin(pin)
	return p.polarity, p.debounce, p.enabled
}

// EdgePin signals an edge on a wake pin.
func (s *Sim) EdgePin(pin uint8) {
	s.mu.Lock()
	p := s.pin(pin)
	p.pending = true
	on := p.enabled
	s.mu.Unlock()

	if on {
		s.TriggerInterrupt(s.cfg.PinVectorBase + Vector(pin))
	}
}

func (s *Sim) pin(pin uint8) *simPin {
	p, ok := s.pins[pin]
	if !ok {
		p = &simPin{}
		s.pins[pin] = p
	}
	return p
}

func (s *Sim) irq(v Vector) *simIRQ {
	line, ok := s.irqs[v]
	if !ok {
		line = &simIRQ{}
		s.irqs[v] = line
	}
	return line
}

// RegisterInterruptHandler implements InterruptController.
func (s *Sim) RegisterInterruptHandler(v Vector, h InterruptHandler, priority uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	line := s.irq(v)
	line.handler = h
	line.priority = priority
}

// EnableInterrupt implements InterruptController.
func (s *Sim) EnableInterrupt(v Vector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.irq(v).enabled = true
}

// DisableInterrupt implements InterruptController.
func (s *Sim) DisableInterrupt(v Vector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.irq(v).enabled = false
}

// ClearPendingInterrupt implements InterruptController.
func (s *Sim) ClearPendingInterrupt(v Vector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.irq(v).pending = false
}

// InterruptState reports whether a vector is enabled and pending.
func (s *Sim) InterruptState(v Vector) (enabled, pending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	line := s.irq(v)
	return line.enabled, line.pending
}

// TriggerInterrupt implements IPCTrigger. The handler runs on the calling
// goroutine with no simulator lock held.
func (s *Sim) TriggerInterrupt(v Vector) {
	s.mu.Lock()
	line := s.irq(v)
	line.pending = true
	h := line.handler
	deliver := line.enabled && h != nil
	if deliver {
		line.pending = false
	}
	s.mu.Unlock()

	if deliver {
		h.HandleInterrupt(v)
	}
}

// InvalidateCache implements Cache.
func (s *Sim) InvalidateCache(buf []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidations++
}

// Invalidations returns how many cache invalidations were issued.
func (s *Sim) Invalidations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidations
}

// EnterDeepSleep implements System.
func (s *Sim) EnterDeepSleep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deepSleeps++
}

// DeepSleeps returns how many times deep sleep was entered.
func (s *Sim) DeepSleeps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deepSleeps
}
