package power

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pmerrors "github.com/corepower/pmcoord/internal/errors"
	"github.com/corepower/pmcoord/internal/hal"
	"github.com/corepower/pmcoord/internal/logger"
	"github.com/corepower/pmcoord/internal/mailbox"
	"github.com/corepower/pmcoord/internal/wakelock"
	"github.com/corepower/pmcoord/internal/wakesource"
)

const testTimerVector hal.Vector = 40

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	hook   func(Event)
}

func (r *recordingSink) Publish(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
}

func (r *recordingSink) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

type fixture struct {
	co   *Coordinator
	sim  *hal.Sim
	sink *recordingSink
}

func newFixture(t *testing.T, cores []CoreDescriptor, opts ...func(*Options)) *fixture {
	t.Helper()
	sim := hal.NewSim(hal.SimConfig{TimerVector: testTimerVector, PinVectorBase: 64})
	sink := &recordingSink{}
	o := Options{
		Platform:   sim,
		WakeConfig: wakesource.Config{TimerVector: testTimerVector, PinVectorBase: 64},
		Cores:      cores,
		Sink:       sink,
		Logger:     logger.NewTestLogger(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	co, err := NewCoordinator(o)
	require.NoError(t, err)
	t.Cleanup(co.Close)
	return &fixture{co: co, sim: sim, sink: sink}
}

// flatTopology has no honored locks and no companions, so every core can
// be gated independently.
func flatTopology() []CoreDescriptor {
	descs := DefaultTopology()
	for i := range descs {
		descs[i].Honor = 0
		descs[i].HasCompanion = false
		descs[i].IdlePollAttempts = 5
	}
	return descs
}

func pg(ms uint32) mailbox.SleepRequest {
	return mailbox.SleepRequest{Type: mailbox.SleepPowerGate, DurationMs: ms}
}

func cg(ms uint32) mailbox.SleepRequest {
	return mailbox.SleepRequest{Type: mailbox.SleepClockGate, DurationMs: ms}
}

func TestNewCoordinator_TakesRunLocks(t *testing.T) {
	f := newFixture(t, nil)
	reg := f.co.Registry()

	for _, d := range []wakelock.Domain{wakelock.DomainAPRun, wakelock.DomainNPRun, wakelock.DomainLPRun, wakelock.DomainKR4Run, wakelock.DomainOS} {
		assert.True(t, reg.Held(d, wakelock.Shallow), d.String())
		assert.True(t, reg.Held(d, wakelock.Deep), d.String())
	}
	for _, id := range f.co.Cores() {
		st, err := f.co.State(id)
		require.NoError(t, err)
		assert.Equal(t, StateActive, st)
	}
}

func TestSuspend_GatesAndReleasesRunLock(t *testing.T) {
	f := newFixture(t, flatTopology())

	require.NoError(t, f.co.Suspend(context.Background(), hal.CoreNP, pg(0)))

	st, _ := f.co.State(hal.CoreNP)
	assert.Equal(t, StatePowerGated, st)
	core := f.sim.Core(hal.CoreNP)
	assert.False(t, core.Clock)
	assert.False(t, core.Power)
	assert.True(t, core.Isolation)
	assert.Equal(t, hal.RetentionRetain, core.Retention)

	assert.False(t, f.co.Registry().Held(wakelock.DomainNPRun, wakelock.Shallow))
	assert.True(t, f.co.Registry().Held(wakelock.DomainNPRun, wakelock.Deep), "deep lock kept without deep request")

	last, ok := f.co.LastSleepType()
	require.True(t, ok)
	assert.Equal(t, mailbox.SleepPowerGate, last)
}

func TestSuspend_IdempotentNoExtraWrites(t *testing.T) {
	for _, req := range []mailbox.SleepRequest{pg(0), cg(0), pg(100)} {
		f := newFixture(t, flatTopology())
		ctx := context.Background()

		require.NoError(t, f.co.Suspend(ctx, hal.CoreKR4, req))
		writes := f.sim.HardwareWrites(hal.CoreKR4)

		require.NoError(t, f.co.Suspend(ctx, hal.CoreKR4, req))
		assert.Equal(t, writes, f.sim.HardwareWrites(hal.CoreKR4), "second suspend of %s wrote hardware", req.Type)
	}
}

func TestSuspendResume_RoundTrip(t *testing.T) {
	for _, id := range []hal.CoreID{hal.CoreAP, hal.CoreNP, hal.CoreLP, hal.CoreKR4} {
		for _, req := range []mailbox.SleepRequest{pg(0), cg(0), pg(500), cg(20), {Type: mailbox.SleepPowerGate, Deep: true}} {
			f := newFixture(t, flatTopology())
			ctx := context.Background()
			before := f.sim.Core(id)

			require.NoError(t, f.co.Suspend(ctx, id, req))
			require.NoError(t, f.co.Resume(ctx, id))

			st, _ := f.co.State(id)
			assert.Equal(t, StateActive, st)
			after := f.sim.Core(id)
			assert.Equal(t, before.Clock, after.Clock, "%s %s clock", id, req.Type)
			assert.Equal(t, before.Power, after.Power, "%s %s power", id, req.Type)
			assert.Equal(t, before.Isolation, after.Isolation)
			assert.Equal(t, before.Retention, after.Retention)

			desc := f.co.cores[id].desc
			assert.True(t, f.co.Registry().Held(desc.RunDomain, wakelock.Shallow))
			assert.True(t, f.co.Registry().Held(desc.RunDomain, wakelock.Deep))
		}
	}
}

func TestResume_ActiveIsNoop(t *testing.T) {
	f := newFixture(t, flatTopology())
	require.NoError(t, f.co.Resume(context.Background(), hal.CoreAP))
	assert.Zero(t, f.sim.HardwareWrites(hal.CoreAP))
}

func TestSuspend_TimeoutLeavesCoreActive(t *testing.T) {
	f := newFixture(t, flatTopology())
	f.sim.SetIdleAfter(hal.CoreNP, hal.NeverIdle)

	err := f.co.Suspend(context.Background(), hal.CoreNP, pg(500))

	require.Error(t, err)
	assert.True(t, pmerrors.IsCode(err, pmerrors.CodeTimeout))
	assert.True(t, pmerrors.IsNotNow(err))
	st, _ := f.co.State(hal.CoreNP)
	assert.Equal(t, StateActive, st)
	assert.Zero(t, f.sim.HardwareWrites(hal.CoreNP))
	assert.True(t, f.co.Registry().Held(wakelock.DomainNPRun, wakelock.Shallow))
	assert.False(t, f.co.WakeSources().Armed(wakesource.Timer))
	assert.Contains(t, f.sink.kinds(), EventSuspendTimeout)
}

func TestSuspend_IdleAfterSomePolls(t *testing.T) {
	f := newFixture(t, flatTopology())
	f.sim.SetIdleAfter(hal.CoreNP, 3)

	require.NoError(t, f.co.Suspend(context.Background(), hal.CoreNP, cg(0)))
	st, _ := f.co.State(hal.CoreNP)
	assert.Equal(t, StateClockGated, st)
}

func TestSuspend_APPreconditionFailure(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.co.AcquireWakelock(wakelock.DomainWLAN))

	err := f.co.Suspend(context.Background(), hal.CoreAP, mailbox.SleepRequest{
		Type:       mailbox.SleepPowerGate,
		DurationMs: 500,
		Deep:       false,
	})

	require.Error(t, err)
	assert.True(t, pmerrors.IsCode(err, pmerrors.CodePreconditionFailed))
	st, _ := f.co.State(hal.CoreAP)
	assert.Equal(t, StateActive, st)
	assert.Zero(t, f.sim.HardwareWrites(hal.CoreAP))
	assert.False(t, f.co.WakeSources().Armed(wakesource.Timer))
	assert.True(t, f.co.Registry().Held(wakelock.DomainAPRun, wakelock.Shallow))

	require.NoError(t, f.co.ReleaseWakelock(wakelock.DomainWLAN))
	require.NoError(t, f.co.Suspend(context.Background(), hal.CoreAP, pg(500)))
}

func TestSuspend_NPBlockedWhileAPRuns(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	err := f.co.Suspend(ctx, hal.CoreNP, pg(0))
	assert.True(t, pmerrors.IsCode(err, pmerrors.CodePreconditionFailed))

	require.NoError(t, f.co.Suspend(ctx, hal.CoreAP, pg(0)))
	require.NoError(t, f.co.Suspend(ctx, hal.CoreNP, pg(0)))
}

func TestSuspend_UnknownSleepType(t *testing.T) {
	f := newFixture(t, flatTopology())
	err := f.co.Suspend(context.Background(), hal.CoreNP, mailbox.SleepRequest{Type: 7})
	assert.True(t, pmerrors.IsCode(err, pmerrors.CodeUnknownSleepType))
	assert.Zero(t, f.sim.HardwareWrites(hal.CoreNP))
}

func TestUnknownCore(t *testing.T) {
	descs := flatTopology()[:2]
	f := newFixture(t, descs)
	err := f.co.Suspend(context.Background(), hal.CoreKR4, pg(0))
	assert.True(t, pmerrors.IsCode(err, pmerrors.CodeUnknownCore))
	_, err = f.co.SleepTime(hal.CoreKR4)
	assert.True(t, pmerrors.IsCode(err, pmerrors.CodeUnknownCore))
}

func TestSuspend_CanceledContextBeforeHardware(t *testing.T) {
	f := newFixture(t, flatTopology())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.co.Suspend(ctx, hal.CoreNP, pg(0))
	assert.ErrorIs(t, err, context.Canceled)
	st, _ := f.co.State(hal.CoreNP)
	assert.Equal(t, StateActive, st)
	assert.Zero(t, f.sim.HardwareWrites(hal.CoreNP))
}

func TestResume_BlocksUntilCompanionActive(t *testing.T) {
	descs := DefaultTopology()
	for i := range descs {
		descs[i].DependencyPollInterval = time.Millisecond
	}
	f := newFixture(t, descs)
	ctx := context.Background()

	require.NoError(t, f.co.Suspend(ctx, hal.CoreAP, pg(0)))
	require.NoError(t, f.co.Suspend(ctx, hal.CoreNP, pg(0)))

	done := make(chan error, 1)
	go func() { done <- f.co.Resume(ctx, hal.CoreAP) }()

	// The run lock is taken before the companion wait.
	require.Eventually(t, func() bool {
		return f.co.Registry().Held(wakelock.DomainAPRun, wakelock.Shallow)
	}, time.Second, time.Millisecond)

	require.Never(t, func() bool {
		c := f.sim.Core(hal.CoreAP)
		return c.Clock || c.Power
	}, 50*time.Millisecond, 5*time.Millisecond, "AP hardware restored before NP was active")
	st, _ := f.co.State(hal.CoreAP)
	assert.Equal(t, StatePowerGated, st)

	require.NoError(t, f.co.Resume(ctx, hal.CoreNP))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("AP resume never completed")
	}
	c := f.sim.Core(hal.CoreAP)
	assert.True(t, c.Clock)
	assert.True(t, c.Power)
	st, _ = f.co.State(hal.CoreAP)
	assert.Equal(t, StateActive, st)
}

func TestResume_DependencyTimeoutKeepsCoreGated(t *testing.T) {
	descs := DefaultTopology()
	for i := range descs {
		descs[i].DependencyPollAttempts = 3
		descs[i].DependencyPollInterval = time.Millisecond
	}
	f := newFixture(t, descs)
	ctx := context.Background()

	require.NoError(t, f.co.Suspend(ctx, hal.CoreAP, pg(0)))
	require.NoError(t, f.co.Suspend(ctx, hal.CoreNP, pg(0)))
	writes := f.sim.HardwareWrites(hal.CoreAP)

	err := f.co.Resume(ctx, hal.CoreAP)
	require.Error(t, err)
	assert.True(t, pmerrors.IsCode(err, pmerrors.CodeDependencyTimeout))

	st, _ := f.co.State(hal.CoreAP)
	assert.Equal(t, StatePowerGated, st)
	assert.Equal(t, writes, f.sim.HardwareWrites(hal.CoreAP))
	assert.False(t, f.co.Registry().Held(wakelock.DomainAPRun, wakelock.Shallow))
	assert.Contains(t, f.sink.kinds(), EventResumeBlocked)
}

func TestResume_DependencyTimeoutKeepsLocksTakenElsewhere(t *testing.T) {
	descs := DefaultTopology()
	for i := range descs {
		descs[i].DependencyPollAttempts = 3
		descs[i].DependencyPollInterval = time.Millisecond
	}
	f := newFixture(t, descs)
	reg := f.co.Registry()
	ctx := context.Background()

	require.NoError(t, f.co.Suspend(ctx, hal.CoreAP, pg(0)))
	require.NoError(t, f.co.Suspend(ctx, hal.CoreNP, pg(0)))
	reg.Acquire(wakelock.DomainAPRun, wakelock.Shallow)

	err := f.co.Resume(ctx, hal.CoreAP)
	assert.True(t, pmerrors.IsCode(err, pmerrors.CodeDependencyTimeout))
	assert.True(t, reg.Held(wakelock.DomainAPRun, wakelock.Shallow))
}

func TestTimerWakeResumesCore(t *testing.T) {
	f := newFixture(t, flatTopology())
	require.NoError(t, f.co.Suspend(context.Background(), hal.CoreNP, cg(500)))
	require.True(t, f.co.WakeSources().Armed(wakesource.Timer))

	f.sim.FireTimer()

	st, _ := f.co.State(hal.CoreNP)
	assert.Equal(t, StateActive, st)
	assert.True(t, f.sim.Core(hal.CoreNP).Clock)
	assert.False(t, f.co.WakeSources().Armed(wakesource.Timer))
}

func TestPeerWakeResumesCore(t *testing.T) {
	f := newFixture(t, flatTopology())
	require.NoError(t, f.co.Suspend(context.Background(), hal.CoreNP, pg(0)))
	assert.False(t, f.co.WakeSources().Armed(wakesource.Timer), "zero duration arms no timer")

	f.sim.TriggerInterrupt(VectorNPWake)

	st, _ := f.co.State(hal.CoreNP)
	assert.Equal(t, StateActive, st)
	assert.True(t, f.sim.Core(hal.CoreNP).Power)
}

func TestSuspend_TimerArmedWithoutDeep(t *testing.T) {
	f := newFixture(t, flatTopology())
	require.NoError(t, f.co.Suspend(context.Background(), hal.CoreKR4, pg(250)))
	ticks, _, enabled := f.sim.TimerState()
	assert.Equal(t, uint32(8192), ticks)
	assert.True(t, enabled)
}

func TestSuspend_PreemptedByLockDuringGate(t *testing.T) {
	descs := flatTopology()
	for i := range descs {
		if descs[i].ID == hal.CoreNP {
			descs[i].Honor = wakelock.Mask(wakelock.DomainWLAN)
		}
	}
	f := newFixture(t, descs)
	reg := f.co.Registry()
	f.sink.hook = func(ev Event) {
		if ev.Kind == EventSuspend {
			reg.Acquire(wakelock.DomainWLAN, wakelock.Shallow)
		}
	}

	err := f.co.Suspend(context.Background(), hal.CoreNP, pg(0))

	require.Error(t, err)
	assert.True(t, pmerrors.IsCode(err, pmerrors.CodePreempted))
	st, _ := f.co.State(hal.CoreNP)
	assert.Equal(t, StateActive, st)
	c := f.sim.Core(hal.CoreNP)
	assert.True(t, c.Clock)
	assert.True(t, c.Power)
	assert.False(t, c.Isolation)
	assert.True(t, reg.Held(wakelock.DomainNPRun, wakelock.Shallow))
	assert.Equal(t, []EventKind{EventSuspend, EventPreempted, EventResume}, f.sink.kinds())
}

func TestSuspend_PreemptedWithGatedCompanionReturns(t *testing.T) {
	descs := flatTopology()
	for i := range descs {
		if descs[i].ID == hal.CoreAP {
			descs[i].Honor = wakelock.Mask(wakelock.DomainWLAN)
			descs[i].Companion = hal.CoreNP
			descs[i].HasCompanion = true
			descs[i].DependencyPollAttempts = 0
			descs[i].DependencyPollInterval = 10 * time.Microsecond
		}
	}
	f := newFixture(t, descs)
	reg := f.co.Registry()
	ctx := context.Background()
	require.NoError(t, f.co.Suspend(ctx, hal.CoreNP, cg(0)))

	f.sink.hook = func(ev Event) {
		if ev.Kind == EventSuspend && ev.Core == "ap" {
			reg.Acquire(wakelock.DomainWLAN, wakelock.Shallow)
		}
	}

	done := make(chan error, 1)
	go func() { done <- f.co.Suspend(ctx, hal.CoreAP, cg(0)) }()
	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Suspend blocked waiting for a gated companion")
	}

	assert.True(t, pmerrors.IsCode(err, pmerrors.CodeDependencyTimeout))
	st, _ := f.co.State(hal.CoreAP)
	assert.Equal(t, StateClockGated, st)
	assert.Contains(t, f.sink.kinds(), EventResumeBlocked)

	require.NoError(t, f.co.Resume(ctx, hal.CoreNP))
	require.NoError(t, f.co.Resume(ctx, hal.CoreAP))
	st, _ = f.co.State(hal.CoreAP)
	assert.Equal(t, StateActive, st)
}

func TestCore_TransitionRequiresExpectedState(t *testing.T) {
	f := newFixture(t, flatTopology())
	c, err := f.co.Core(hal.CoreNP)
	require.NoError(t, err)

	assert.True(t, c.transition(StateActive, StateClockGated))
	assert.False(t, c.transition(StateActive, StatePowerGated))
	assert.Equal(t, StateClockGated, c.State())
	assert.True(t, c.transition(StateClockGated, StateActive))
}

func TestSuspend_DeepReleasesAndResumeRestores(t *testing.T) {
	f := newFixture(t, flatTopology())
	reg := f.co.Registry()
	ctx := context.Background()

	require.NoError(t, f.co.Suspend(ctx, hal.CoreNP, mailbox.SleepRequest{Type: mailbox.SleepPowerGate, Deep: true}))
	assert.False(t, reg.Held(wakelock.DomainNPRun, wakelock.Deep))
	assert.False(t, reg.Held(wakelock.DomainOS, wakelock.Deep))

	require.NoError(t, f.co.Resume(ctx, hal.CoreNP))
	assert.True(t, reg.Held(wakelock.DomainNPRun, wakelock.Deep))
	assert.True(t, reg.Held(wakelock.DomainOS, wakelock.Deep))
}

func TestSleepWithCompanion_ReleasesOSOnClockGate(t *testing.T) {
	f := newFixture(t, flatTopology(), func(o *Options) { o.SleepWithCompanion = true })
	reg := f.co.Registry()
	ctx := context.Background()

	require.NoError(t, f.co.Suspend(ctx, hal.CoreNP, cg(0)))
	assert.False(t, reg.Held(wakelock.DomainOS, wakelock.Shallow))
	require.NoError(t, f.co.Resume(ctx, hal.CoreNP))
	assert.True(t, reg.Held(wakelock.DomainOS, wakelock.Shallow))

	require.NoError(t, f.co.Suspend(ctx, hal.CoreNP, pg(0)))
	assert.True(t, reg.Held(wakelock.DomainOS, wakelock.Shallow), "power gate leaves os alone")
}

func TestSleepTime_AcrossWrap(t *testing.T) {
	f := newFixture(t, flatTopology())
	ctx := context.Background()
	f.sim.SetTick(0xFFFFFFF0)

	require.NoError(t, f.co.Suspend(ctx, hal.CoreNP, pg(0)))
	f.sim.AdvanceTicks(32768 + 0x20)

	ms, err := f.co.SleepTime(hal.CoreNP)
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), ms)

	require.NoError(t, f.co.Resume(ctx, hal.CoreNP))
	f.sim.AdvanceTicks(32768)
	ms, _ = f.co.SleepTime(hal.CoreNP)
	assert.Equal(t, uint32(1000), ms, "sleep time reports the completed period")
}

func TestStatus(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.co.Suspend(context.Background(), hal.CoreKR4, cg(0)))

	st := f.co.Status()
	require.Len(t, st.Cores, 4)
	assert.Equal(t, ModeActive, st.SystemMode)
	assert.Equal(t, "cg", st.LastSleepType)
	assert.NotContains(t, st.ShallowHeld, "kr4_run")
	assert.Contains(t, st.ShallowHeld, "ap_run")

	for _, cs := range st.Cores {
		switch cs.Core {
		case "kr4":
			assert.Equal(t, StateClockGated, cs.State)
			assert.Equal(t, "cg", cs.SleepType)
		case "ap":
			assert.Equal(t, "np", cs.Companion)
			assert.Equal(t, StateActive, cs.State)
		}
	}
}

func TestWakelockAPI_EmitsOnChangeOnly(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.co.AcquireWakelock(wakelock.DomainVAD))
	require.NoError(t, f.co.AcquireWakelock(wakelock.DomainVAD))
	require.NoError(t, f.co.ReleaseWakelock(wakelock.DomainVAD))
	require.NoError(t, f.co.ReleaseWakelock(wakelock.DomainVAD))

	assert.Zero(t, f.co.WakelockStatus()&wakelock.DomainVAD.Bit())
	assert.Equal(t, []EventKind{EventWakelockAcquire, EventWakelockRelease}, f.sink.kinds())

	err := f.co.AcquireDeepWakelock(wakelock.Domain(40))
	assert.True(t, pmerrors.IsCode(err, pmerrors.CodeUnknownDomain))
}
