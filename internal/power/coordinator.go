// Package power coordinates clock gating, power gating and deep sleep of
// the SoC's cores.
//
// The Coordinator owns one Core per descriptor. Suspend gates a core after
// checking the wakelocks it honors and waiting for its idle signal; Resume
// re-takes the core's run lock first, waits for its companion and then
// reverses the hardware sequence. A core is either fully gated or fully
// active: every failure before hardware mutation leaves it untouched.
package power

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog"

	pmerrors "github.com/corepower/pmcoord/internal/errors"
	"github.com/corepower/pmcoord/internal/hal"
	"github.com/corepower/pmcoord/internal/mailbox"
	"github.com/corepower/pmcoord/internal/sleeptime"
	"github.com/corepower/pmcoord/internal/wakelock"
	"github.com/corepower/pmcoord/internal/wakesource"
)

// Options configures a Coordinator.
type Options struct {
	Platform hal.Platform
	// Registry defaults to a fresh registry.
	Registry *wakelock.Registry
	// WakeSources defaults to a manager built from WakeConfig.
	WakeSources *wakesource.Manager
	WakeConfig  wakesource.Config
	// TickHz is the always-on counter frequency; 0 selects 32768.
	TickHz uint32
	// Cores defaults to DefaultTopology.
	Cores []CoreDescriptor
	// SleepWithCompanion also releases the os shallow lock when a core is
	// clock gated.
	SleepWithCompanion bool
	Sink               EventSink
	Logger             zerolog.Logger
}

// Coordinator is the power-state coordinator for all cores.
type Coordinator struct {
	hw   hal.Platform
	reg  *wakelock.Registry
	wake *wakesource.Manager
	acct *sleeptime.Accountant
	sink EventSink
	log  zerolog.Logger

	sleepWithCompanion bool

	cores map[hal.CoreID]*Core
	order []hal.CoreID

	ctx    context.Context
	cancel context.CancelFunc

	lastSleepType atomic.Int32 // -1 until the first gate
	systemMode    atomic.Int32
	timerOwner    atomic.Int32 // core that armed the wake timer, -1 for none
}

// NewCoordinator validates the topology, builds the cores and takes every
// core's run lock, shallow and deep, plus the os locks.
func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Platform == nil {
		return nil, pmerrors.InvalidTopology("no platform")
	}
	descs := opts.Cores
	if len(descs) == 0 {
		descs = DefaultTopology()
	}
	if err := ValidateTopology(descs); err != nil {
		return nil, err
	}

	reg := opts.Registry
	if reg == nil {
		reg = wakelock.NewRegistry()
	}
	wake := opts.WakeSources
	if wake == nil {
		wake = wakesource.NewManager(opts.Platform, opts.WakeConfig, opts.Logger.With().Str("component", "wakesource").Logger())
	}
	var sink EventSink = nopSink{}
	if opts.Sink != nil {
		sink = opts.Sink
	}

	ctx, cancel := context.WithCancel(context.Background())
	co := &Coordinator{
		hw:                 opts.Platform,
		reg:                reg,
		wake:               wake,
		acct:               sleeptime.NewAccountant(opts.Platform, opts.TickHz),
		sink:               sink,
		log:                opts.Logger,
		sleepWithCompanion: opts.SleepWithCompanion,
		cores:              make(map[hal.CoreID]*Core, len(descs)),
		ctx:                ctx,
		cancel:             cancel,
	}
	co.lastSleepType.Store(-1)
	co.timerOwner.Store(-1)

	for _, d := range descs {
		d.withDefaults()
		co.cores[d.ID] = newCore(d)
		co.order = append(co.order, d.ID)
		reg.Acquire(d.RunDomain, wakelock.Shallow)
		reg.Acquire(d.RunDomain, wakelock.Deep)
	}
	sort.Slice(co.order, func(i, j int) bool { return co.order[i] < co.order[j] })
	reg.Acquire(wakelock.DomainOS, wakelock.Shallow)
	reg.Acquire(wakelock.DomainOS, wakelock.Deep)

	return co, nil
}

// Close cancels resumes still waiting on a companion.
func (co *Coordinator) Close() {
	co.cancel()
}

// Registry returns the shared wakelock registry.
func (co *Coordinator) Registry() *wakelock.Registry { return co.reg }

// WakeSources returns the wake source manager.
func (co *Coordinator) WakeSources() *wakesource.Manager { return co.wake }

// Accountant returns the sleep time accountant.
func (co *Coordinator) Accountant() *sleeptime.Accountant { return co.acct }

// Core returns the core with the given identity.
func (co *Coordinator) Core(id hal.CoreID) (*Core, error) {
	c, ok := co.cores[id]
	if !ok {
		return nil, pmerrors.UnknownCore(id.String())
	}
	return c, nil
}

// Cores returns the configured core identities in order.
func (co *Coordinator) Cores() []hal.CoreID {
	out := make([]hal.CoreID, len(co.order))
	copy(out, co.order)
	return out
}

// State returns a core's power state.
func (co *Coordinator) State(id hal.CoreID) (State, error) {
	c, err := co.Core(id)
	if err != nil {
		return StateActive, err
	}
	return c.State(), nil
}

// AcquireWakelock takes a shallow wakelock.
func (co *Coordinator) AcquireWakelock(d wakelock.Domain) error {
	return co.setLock(d, wakelock.Shallow, true)
}

// ReleaseWakelock drops a shallow wakelock. Releasing a clear lock is a no-op.
func (co *Coordinator) ReleaseWakelock(d wakelock.Domain) error {
	return co.setLock(d, wakelock.Shallow, false)
}

// AcquireDeepWakelock takes a deep wakelock.
func (co *Coordinator) AcquireDeepWakelock(d wakelock.Domain) error {
	return co.setLock(d, wakelock.Deep, true)
}

// ReleaseDeepWakelock drops a deep wakelock.
func (co *Coordinator) ReleaseDeepWakelock(d wakelock.Domain) error {
	return co.setLock(d, wakelock.Deep, false)
}

// WakelockStatus returns the shallow wakelock mask.
func (co *Coordinator) WakelockStatus() uint32 { return co.reg.Status(wakelock.Shallow) }

// DeepWakelockStatus returns the deep wakelock mask.
func (co *Coordinator) DeepWakelockStatus() uint32 { return co.reg.Status(wakelock.Deep) }

func (co *Coordinator) setLock(d wakelock.Domain, kind wakelock.Kind, acquire bool) error {
	if !d.Valid() {
		return pmerrors.UnknownDomain(d.String())
	}
	var changed bool
	evKind := EventWakelockRelease
	if acquire {
		changed = co.reg.Acquire(d, kind)
		evKind = EventWakelockAcquire
	} else {
		changed = co.reg.Release(d, kind)
	}
	if !changed {
		return nil
	}

	ev := newEvent(evKind, "")
	ev.Domain = d.String()
	ev.LockKind = kind.String()
	ev.Mask = co.reg.Status(kind)
	co.sink.Publish(ev)
	co.log.Debug().Str("domain", d.String()).Stringer("kind", kind).Bool("acquire", acquire).Msg("wakelock changed")
	return nil
}

// SleepTime returns the milliseconds the core spent in its last gated
// period, or so far in the current one.
func (co *Coordinator) SleepTime(id hal.CoreID) (uint32, error) {
	c, err := co.Core(id)
	if err != nil {
		return 0, err
	}
	return c.record.SleepTime(co.acct), nil
}

// LastSleepType returns the sleep type of the most recent successful gate.
func (co *Coordinator) LastSleepType() (mailbox.SleepType, bool) {
	v := co.lastSleepType.Load()
	if v < 0 {
		return 0, false
	}
	return mailbox.SleepType(v), true
}

// SystemMode returns the chip-wide mode.
func (co *Coordinator) SystemMode() SystemMode {
	return SystemMode(co.systemMode.Load())
}

// CoreStatus is a point-in-time view of one core.
type CoreStatus struct {
	Core          string `json:"core"`
	State         State  `json:"state"`
	RunDomain     string `json:"run_domain"`
	Companion     string `json:"companion,omitempty"`
	SleepType     string `json:"sleep_type,omitempty"`
	LastEntryTick uint32 `json:"last_entry_tick"`
	SleepTimeMs   uint32 `json:"sleep_time_ms"`
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	Cores         []CoreStatus      `json:"cores"`
	Wakelocks     wakelock.Snapshot `json:"wakelocks"`
	ShallowHeld   []string          `json:"shallow_held"`
	DeepHeld      []string          `json:"deep_held"`
	SystemMode    SystemMode        `json:"system_mode"`
	LastSleepType string            `json:"last_sleep_type,omitempty"`
	Tick          uint32            `json:"tick"`
	TickHz        uint32            `json:"tick_hz"`
}

// Status snapshots every core and the registry.
func (co *Coordinator) Status() Status {
	snap := co.reg.Snapshot()
	st := Status{
		Wakelocks:   snap,
		ShallowHeld: wakelock.Names(snap.Shallow),
		DeepHeld:    wakelock.Names(snap.Deep),
		SystemMode:  co.SystemMode(),
		Tick:        co.acct.Now(),
		TickHz:      co.acct.Hz(),
	}
	if t, ok := co.LastSleepType(); ok {
		st.LastSleepType = t.String()
	}
	for _, id := range co.order {
		c := co.cores[id]
		cs := CoreStatus{
			Core:          id.String(),
			State:         c.State(),
			RunDomain:     c.desc.RunDomain.String(),
			LastEntryTick: c.record.LastEntryTick(),
			SleepTimeMs:   c.record.SleepTime(co.acct),
		}
		if c.desc.HasCompanion {
			cs.Companion = c.desc.Companion.String()
		}
		if cs.State.Gated() {
			cs.SleepType = gatedSleepType(cs.State).String()
		}
		st.Cores = append(st.Cores, cs)
	}
	return st
}

func gatedSleepType(s State) mailbox.SleepType {
	if s == StateClockGated {
		return mailbox.SleepClockGate
	}
	return mailbox.SleepPowerGate
}

// wakeHandler resumes the core when one of its wake sources fires.
func (co *Coordinator) wakeHandler(id hal.CoreID) wakesource.WakeHandler {
	return wakesource.WakeHandlerFunc(func(src wakesource.Source) {
		co.log.Info().Stringer("core", id).Stringer("source", src).Msg("wake source fired")
		if err := co.resume(co.ctx, id, src.String()); err != nil {
			co.log.Warn().Err(err).Stringer("core", id).Msg("wake resume failed")
		}
	})
}

// enterDeepSleep puts the chip into deep sleep if no deep lock is held.
func (co *Coordinator) enterDeepSleep(trigger hal.CoreID) bool {
	if co.reg.AnyHeld(wakelock.Deep) {
		return false
	}
	co.systemMode.Store(int32(ModeDeepSleep))
	ev := newEvent(EventDeepSleep, trigger.String())
	co.sink.Publish(ev)
	co.log.Info().Stringer("core", trigger).Msg("entering deep sleep")
	co.hw.EnterDeepSleep()
	return true
}
