package power

import (
	"context"
	"errors"

	pmerrors "github.com/corepower/pmcoord/internal/errors"
	"github.com/corepower/pmcoord/internal/hal"
	"github.com/corepower/pmcoord/internal/mailbox"
	"github.com/corepower/pmcoord/internal/wakelock"
)

// Suspend gates a core as requested.
//
// A core that is already gated is left alone and nil is returned. A held
// honored wakelock returns pm.precondition_failed and an idle signal that
// never asserts returns pm.timeout; neither touches hardware. If an honored
// lock is taken while the gate sequence runs, the core is resumed and
// pm.preempted is returned.
func (co *Coordinator) Suspend(ctx context.Context, id hal.CoreID, req mailbox.SleepRequest) error {
	c, err := co.Core(id)
	if err != nil {
		return err
	}
	if !req.Type.Valid() {
		return pmerrors.UnknownSleepType(uint8(req.Type))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	log := co.log.With().Stringer("core", id).Stringer("sleep_type", req.Type).Logger()

	if st := c.State(); st != StateActive {
		log.Debug().Stringer("state", st).Msg("already gated")
		return nil
	}

	if held := co.reg.HeldIn(wakelock.Shallow, c.desc.Honor); held != 0 {
		ev := newEvent(EventSuspendRefused, id.String())
		ev.SleepType = req.Type.String()
		ev.Mask = held
		ev.Code = pmerrors.CodePreconditionFailed
		co.sink.Publish(ev)
		log.Debug().Strs("held", wakelock.Names(held)).Msg("suspend refused, wakelocks held")
		return pmerrors.PreconditionFailed(id.String(), held)
	}

	attempts := c.desc.IdlePollAttempts
	err = PollWithBound(ctx, func() bool { return co.hw.ReadCoreIdleSignal(id) }, attempts, c.desc.IdlePollInterval)
	if errors.Is(err, ErrPollExhausted) {
		ev := newEvent(EventSuspendTimeout, id.String())
		ev.SleepType = req.Type.String()
		ev.Code = pmerrors.CodeTimeout
		co.sink.Publish(ev)
		log.Warn().Int("attempts", attempts).Msg("core never reported idle")
		return pmerrors.Timeout(id.String(), attempts)
	}
	if err != nil {
		return err
	}
	// Last point at which the request can be abandoned.
	if err := ctx.Err(); err != nil {
		return err
	}

	if req.DurationMs > 0 {
		co.timerOwner.Store(int32(id))
		co.wake.ArmTimer(req.DurationMs, co.wakeHandler(id))
	}
	if c.desc.PeerWakeVector != 0 {
		co.wake.ArmPeer(c.desc.PeerWakeVector, co.wakeHandler(id))
	}

	co.gateHardware(c, req.Type)

	c.releasedShallow, c.releasedDeep = 0, 0
	co.reg.Release(c.desc.RunDomain, wakelock.Shallow)
	if req.Type == mailbox.SleepClockGate && co.sleepWithCompanion {
		if co.reg.Release(wakelock.DomainOS, wakelock.Shallow) {
			c.releasedShallow |= wakelock.DomainOS.Bit()
		}
	}
	if req.Deep {
		for _, d := range []wakelock.Domain{c.desc.RunDomain, wakelock.DomainOS} {
			if co.reg.Release(d, wakelock.Deep) {
				c.releasedDeep |= d.Bit()
			}
		}
	}

	entry := co.acct.Now()
	c.record.MarkEntry(entry)
	c.sleepType = req.Type
	if !c.transition(StateActive, gatedState(req.Type)) {
		log.Error().Stringer("state", c.State()).Msg("core left active during suspend")
		return pmerrors.Internal("core "+id.String()+" changed state during suspend", nil)
	}
	co.lastSleepType.Store(int32(req.Type))

	ev := newEvent(EventSuspend, id.String())
	ev.State = c.State().String()
	ev.SleepType = req.Type.String()
	ev.DurationMs = req.DurationMs
	ev.Deep = req.Deep
	co.sink.Publish(ev)
	log.Info().Uint32("duration_ms", req.DurationMs).Bool("deep", req.Deep).Uint32("entry_tick", entry).Msg("core gated")

	if held := co.reg.HeldIn(wakelock.Shallow, c.desc.Honor); held != 0 {
		pev := newEvent(EventPreempted, id.String())
		pev.Mask = held
		pev.Code = pmerrors.CodePreempted
		co.sink.Publish(pev)
		log.Warn().Strs("held", wakelock.Names(held)).Msg("wakelock taken during gate, resuming")
		attempts := c.desc.DependencyPollAttempts
		if attempts <= 0 {
			attempts = PreemptDependencyAttempts
		}
		if err := co.resumeLocked(ctx, c, "preempted", attempts); err != nil {
			return err
		}
		return pmerrors.Preempted(id.String(), held)
	}
	return nil
}

// gateHardware applies the gate sequence: clock off, then for a power gate
// cache retention, isolation and finally the rail.
func (co *Coordinator) gateHardware(c *Core, t mailbox.SleepType) {
	id := c.desc.ID
	co.hw.SetClockEnable(id, false)
	if t != mailbox.SleepPowerGate {
		return
	}
	co.hw.SetCacheRetention(id, c.desc.Retention)
	co.hw.SetIsolation(id, true)
	co.hw.SetPowerRail(id, false)
}
