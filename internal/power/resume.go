package power

import (
	"context"

	pmerrors "github.com/corepower/pmcoord/internal/errors"
	"github.com/corepower/pmcoord/internal/hal"
	"github.com/corepower/pmcoord/internal/mailbox"
	"github.com/corepower/pmcoord/internal/wakelock"
	"github.com/corepower/pmcoord/internal/wakesource"
)

// Resume brings a gated core back to active. An active core is left alone.
//
// The core's run lock is re-taken before any hardware write. If the core
// has a companion, hardware restoration waits for the companion to be
// active; if that wait fails the locks are dropped again, the core stays
// gated and pm.dependency_timeout is returned.
func (co *Coordinator) Resume(ctx context.Context, id hal.CoreID) error {
	return co.resume(ctx, id, "request")
}

func (co *Coordinator) resume(ctx context.Context, id hal.CoreID, reason string) error {
	c, err := co.Core(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return co.resumeLocked(ctx, c, reason, c.desc.DependencyPollAttempts)
}

// resumeLocked waits at most depAttempts polls for the companion; 0 waits
// until ctx ends.
func (co *Coordinator) resumeLocked(ctx context.Context, c *Core, reason string, depAttempts int) error {
	id := c.desc.ID
	from := c.State()
	if from == StateActive {
		return nil
	}
	log := co.log.With().Stringer("core", id).Str("reason", reason).Logger()

	// Only locks set here are dropped again on failure; a lock some other
	// caller took while the core was gated stays held.
	var took uint32
	if co.reg.Acquire(c.desc.RunDomain, wakelock.Shallow) {
		took = c.desc.RunDomain.Bit()
	}
	tookShallow := co.reacquire(c.releasedShallow, wakelock.Shallow) | took
	tookDeep := co.reacquire(c.releasedDeep, wakelock.Deep)

	if c.desc.HasCompanion {
		dep := co.cores[c.desc.Companion]
		err := PollWithBound(ctx, func() bool { return dep.State() == StateActive },
			depAttempts, c.desc.DependencyPollInterval)
		if err != nil {
			co.rerelease(tookShallow, wakelock.Shallow)
			co.rerelease(tookDeep, wakelock.Deep)

			ev := newEvent(EventResumeBlocked, id.String())
			ev.Source = reason
			ev.Code = pmerrors.CodeDependencyTimeout
			co.sink.Publish(ev)
			log.Warn().Err(err).Stringer("companion", dep.desc.ID).Msg("companion not active, core stays gated")
			return pmerrors.DependencyTimeout(id.String(), dep.desc.ID.String(), err)
		}
	}

	if co.timerOwner.CompareAndSwap(int32(id), -1) {
		co.wake.Disarm(wakesource.Timer)
	}
	if c.desc.PeerWakeVector != 0 {
		co.wake.Disarm(wakesource.Peer(c.desc.PeerWakeVector))
	}

	co.ungateHardware(c)
	c.releasedShallow, c.releasedDeep = 0, 0
	if !c.transition(from, StateActive) {
		log.Error().Stringer("state", c.State()).Msg("core changed state during resume")
		return pmerrors.Internal("core "+id.String()+" changed state during resume", nil)
	}
	co.systemMode.Store(int32(ModeActive))

	slept := c.record.MarkExit(co.acct)

	ev := newEvent(EventResume, id.String())
	ev.State = StateActive.String()
	ev.SleepType = c.sleepType.String()
	ev.SleptMs = slept
	ev.Source = reason
	co.sink.Publish(ev)
	log.Info().Uint32("slept_ms", slept).Msg("core resumed")
	return nil
}

// ungateHardware reverses gateHardware: rail up, isolation cleared and
// caches out of retention before the clock is re-enabled.
func (co *Coordinator) ungateHardware(c *Core) {
	id := c.desc.ID
	if c.sleepType == mailbox.SleepPowerGate {
		co.hw.SetPowerRail(id, true)
		co.hw.SetIsolation(id, false)
		co.hw.SetCacheRetention(id, hal.RetentionOff)
	}
	co.hw.SetClockEnable(id, true)
}

// reacquire takes every lock in mask and returns the bits that were clear.
func (co *Coordinator) reacquire(mask uint32, kind wakelock.Kind) uint32 {
	var took uint32
	for _, d := range wakelock.Domains() {
		if mask&d.Bit() != 0 && co.reg.Acquire(d, kind) {
			took |= d.Bit()
		}
	}
	return took
}

func (co *Coordinator) rerelease(mask uint32, kind wakelock.Kind) {
	for _, d := range wakelock.Domains() {
		if mask&d.Bit() != 0 {
			co.reg.Release(d, kind)
		}
	}
}
