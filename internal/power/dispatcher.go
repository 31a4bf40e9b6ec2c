package power

import (
	"context"
	"sync"

	pmerrors "github.com/corepower/pmcoord/internal/errors"
	"github.com/corepower/pmcoord/internal/hal"
	"github.com/corepower/pmcoord/internal/mailbox"
	"github.com/corepower/pmcoord/internal/wakelock"
)

// Dispatcher is the tickless receive path: it turns mailbox messages from a
// core into suspend and resume calls for that core, and notifies the core
// over its outbound channel when it must stay up or has been woken.
type Dispatcher struct {
	co *Coordinator

	mu    sync.Mutex
	links map[hal.CoreID]*link
}

type link struct {
	core     hal.CoreID
	inbound  *mailbox.Channel
	outbound *mailbox.Channel
}

// NewDispatcher creates a dispatcher for co.
func NewDispatcher(co *Coordinator) *Dispatcher {
	return &Dispatcher{co: co, links: make(map[hal.CoreID]*link)}
}

// Attach starts listening on inbound for requests from core. outbound may
// be nil when the core takes no notifications.
func (d *Dispatcher) Attach(core hal.CoreID, inbound, outbound *mailbox.Channel) error {
	if _, err := d.co.Core(core); err != nil {
		return err
	}
	l := &link{core: core, inbound: inbound, outbound: outbound}

	d.mu.Lock()
	d.links[core] = l
	d.mu.Unlock()

	inbound.Listen(mailbox.ReceiverFunc(func(_ *mailbox.Channel, msg mailbox.Message) {
		d.handle(d.co.ctx, l, msg)
	}))
	return nil
}

// Outbound returns the notification channel attached for core.
func (d *Dispatcher) Outbound(core hal.CoreID) *mailbox.Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.links[core]; ok {
		return l.outbound
	}
	return nil
}

func (d *Dispatcher) handle(ctx context.Context, l *link, msg mailbox.Message) {
	switch msg.Kind {
	case mailbox.KindSleepRequest:
		err := d.HandleSleepRequest(ctx, l.core, msg.Sleep)
		// Unknown types were already reported when they were dropped.
		if err != nil && !pmerrors.IsNotNow(err) && !pmerrors.IsCode(err, pmerrors.CodeUnknownSleepType) {
			d.co.log.Warn().Err(err).Stringer("core", l.core).Msg("sleep request failed")
		}
	case mailbox.KindWake:
		if err := d.HandleWake(ctx, l.core); err != nil {
			d.co.log.Warn().Err(err).Stringer("core", l.core).Msg("wake request failed")
		}
	}
}

// HandleSleepRequest processes a sleep request sent by core. Unknown sleep
// types are dropped. If a lock the core honors is held the core is told to
// keep running and pm.precondition_failed is returned. After a successful
// deep request with no deep lock left anywhere the chip enters deep sleep.
func (d *Dispatcher) HandleSleepRequest(ctx context.Context, core hal.CoreID, req mailbox.SleepRequest) error {
	co := d.co
	c, err := co.Core(core)
	if err != nil {
		return err
	}

	if !req.Type.Valid() {
		ev := newEvent(EventUnknownType, core.String())
		ev.Code = pmerrors.CodeUnknownSleepType
		co.sink.Publish(ev)
		co.log.Warn().Stringer("core", core).Uint8("sleep_type", uint8(req.Type)).Msg("unknown sleep type, dropping request")
		return pmerrors.UnknownSleepType(uint8(req.Type))
	}

	if held := co.reg.HeldIn(wakelock.Shallow, c.desc.Honor); held != 0 && c.State() == StateActive {
		d.kick(core, held)
		return pmerrors.PreconditionFailed(core.String(), held)
	}

	if err := co.Suspend(ctx, core, req); err != nil {
		if pmerrors.IsCode(err, pmerrors.CodePreconditionFailed) {
			d.kick(core, co.reg.HeldIn(wakelock.Shallow, c.desc.Honor))
		}
		return err
	}

	if req.Deep && c.State().Gated() {
		co.enterDeepSleep(core)
	}
	return nil
}

// HandleWake resumes core and confirms over its outbound channel.
func (d *Dispatcher) HandleWake(ctx context.Context, core hal.CoreID) error {
	if err := d.co.Resume(ctx, core); err != nil {
		return err
	}
	d.notify(core)
	return nil
}

// kick tells a core that asked to sleep that it must stay up.
func (d *Dispatcher) kick(core hal.CoreID, held uint32) {
	ev := newEvent(EventKick, core.String())
	ev.Mask = held
	d.co.sink.Publish(ev)
	d.co.log.Debug().Stringer("core", core).Strs("held", wakelock.Names(held)).Msg("companion busy, kicking core back")
	d.notify(core)
}

func (d *Dispatcher) notify(core hal.CoreID) {
	if out := d.Outbound(core); out != nil {
		out.SendWake()
	}
}
