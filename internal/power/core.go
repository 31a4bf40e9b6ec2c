package power

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pmerrors "github.com/corepower/pmcoord/internal/errors"
	"github.com/corepower/pmcoord/internal/hal"
	"github.com/corepower/pmcoord/internal/mailbox"
	"github.com/corepower/pmcoord/internal/sleeptime"
	"github.com/corepower/pmcoord/internal/wakelock"
)

// CoreDescriptor carries the per-core constants the coordinators need.
type CoreDescriptor struct {
	ID hal.CoreID
	// RunDomain is held while the core runs and released once it is gated.
	RunDomain wakelock.Domain
	// Honor is the shallow wakelock mask that forbids gating this core. It
	// never needs to include RunDomain.
	Honor uint32
	// Companion, when HasCompanion is set, must be active before this core's
	// hardware is restored on resume.
	Companion    hal.CoreID
	HasCompanion bool
	// PeerWakeVector is armed while the core is gated so a companion can
	// wake it. Zero disables the peer wake.
	PeerWakeVector hal.Vector
	// Retention is the cache mode applied on power gate.
	Retention hal.RetentionMode

	IdlePollAttempts       int
	IdlePollInterval       time.Duration
	DependencyPollAttempts int // 0 polls until the companion is active or ctx ends
	DependencyPollInterval time.Duration
}

const (
	DefaultIdlePollAttempts       = 1000
	DefaultIdlePollInterval       = 10 * time.Microsecond
	DefaultDependencyPollInterval = 100 * time.Microsecond
	// PreemptDependencyAttempts bounds the companion wait when a preempted
	// suspend brings its core back and the descriptor polls without limit.
	PreemptDependencyAttempts = 100
)

// Peer wake vectors of the default topology.
const (
	VectorAPWake  hal.Vector = 48
	VectorNPWake  hal.Vector = 49
	VectorKR4Wake hal.Vector = 50
)

func deviceMask() uint32 {
	return wakelock.Mask(wakelock.DomainBTDevice, wakelock.DomainPSRAMDevice,
		wakelock.DomainVAD, wakelock.DomainLogUART, wakelock.DomainWLAN)
}

// DefaultTopology returns the descriptor table of the four-core SoC.
// The AP is blocked by peripheral locks and needs the NP up before it
// restores; the NP may not gate while the AP runs.
func DefaultTopology() []CoreDescriptor {
	return []CoreDescriptor{
		{
			ID:             hal.CoreAP,
			RunDomain:      wakelock.DomainAPRun,
			Honor:          deviceMask(),
			Companion:      hal.CoreNP,
			HasCompanion:   true,
			PeerWakeVector: VectorAPWake,
			Retention:      hal.RetentionRetain,
		},
		{
			ID:             hal.CoreNP,
			RunDomain:      wakelock.DomainNPRun,
			Honor:          wakelock.Mask(wakelock.DomainAPRun),
			PeerWakeVector: VectorNPWake,
			Retention:      hal.RetentionRetain,
		},
		{
			ID:        hal.CoreLP,
			RunDomain: wakelock.DomainLPRun,
			Honor: wakelock.Mask(wakelock.DomainAPRun, wakelock.DomainNPRun,
				wakelock.DomainKR4Run),
			Retention: hal.RetentionRetain,
		},
		{
			ID:             hal.CoreKR4,
			RunDomain:      wakelock.DomainKR4Run,
			Honor:          wakelock.Mask(wakelock.DomainVAD),
			PeerWakeVector: VectorKR4Wake,
			Retention:      hal.RetentionShutdown,
		},
	}
}

func (d *CoreDescriptor) withDefaults() {
	if d.IdlePollAttempts <= 0 {
		d.IdlePollAttempts = DefaultIdlePollAttempts
	}
	if d.IdlePollInterval < 0 {
		d.IdlePollInterval = 0
	}
	if d.DependencyPollInterval <= 0 {
		d.DependencyPollInterval = DefaultDependencyPollInterval
	}
	if d.Retention == hal.RetentionOff {
		d.Retention = hal.RetentionRetain
	}
}

// ValidateTopology checks the descriptor table: known run domains, unique
// cores, companions that exist and no companion cycles.
func ValidateTopology(descs []CoreDescriptor) error {
	if len(descs) == 0 {
		return pmerrors.InvalidTopology("no cores")
	}
	byID := make(map[hal.CoreID]CoreDescriptor, len(descs))
	for _, d := range descs {
		if _, dup := byID[d.ID]; dup {
			return pmerrors.InvalidTopology(fmt.Sprintf("core %s listed twice", d.ID))
		}
		if !d.RunDomain.Valid() {
			return pmerrors.InvalidTopology(fmt.Sprintf("core %s: unknown run domain %d", d.ID, d.RunDomain))
		}
		if d.Honor&d.RunDomain.Bit() != 0 {
			return pmerrors.InvalidTopology(fmt.Sprintf("core %s honors its own run domain", d.ID))
		}
		byID[d.ID] = d
	}
	for _, d := range descs {
		if !d.HasCompanion {
			continue
		}
		if _, ok := byID[d.Companion]; !ok {
			return pmerrors.InvalidTopology(fmt.Sprintf("core %s: companion %s not configured", d.ID, d.Companion))
		}
		seen := map[hal.CoreID]bool{d.ID: true}
		for cur := byID[d.Companion]; ; cur = byID[cur.Companion] {
			if seen[cur.ID] {
				return pmerrors.InvalidTopology(fmt.Sprintf("companion cycle through core %s", d.ID))
			}
			seen[cur.ID] = true
			if !cur.HasCompanion {
				break
			}
		}
	}
	return nil
}

// Core is one coordinated execution unit.
type Core struct {
	desc CoreDescriptor

	state atomic.Int32

	// mu serialises suspend and resume on this core.
	mu sync.Mutex
	// released holds the locks dropped by the last suspend, restored on
	// resume. Guarded by mu.
	releasedShallow uint32
	releasedDeep    uint32
	sleepType       mailbox.SleepType

	record sleeptime.Record
}

func newCore(desc CoreDescriptor) *Core {
	return &Core{desc: desc}
}

// ID returns the core identity.
func (c *Core) ID() hal.CoreID { return c.desc.ID }

// Descriptor returns the core's constants.
func (c *Core) Descriptor() CoreDescriptor { return c.desc }

// State loads the power state without locking.
func (c *Core) State() State { return State(c.state.Load()) }

// transition moves the core from one state to another and reports false,
// changing nothing, when the core is not in from.
func (c *Core) transition(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}
