// Package wakelock holds the process-wide wakelock registry.
//
// A wakelock is a named flag that forbids the system from entering a lower
// power state. The registry keeps two independent bitsets over Domain:
// shallow locks block clock and power gating, deep locks block deep sleep.
// A domain may hold a deep lock without a shallow one.
//
// Bits are flags, not counters: acquiring a held lock is a no-op and
// releasing a clear lock is a no-op. Every mutation is a single atomic bit
// operation so that coordinators on other goroutines never observe a torn
// mask.
package wakelock

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// Domain names a logical reason to keep the system awake.
type Domain uint8

const (
	DomainOS Domain = iota
	DomainAPRun
	DomainNPRun
	DomainLPRun
	DomainKR4Run
	DomainBTDevice
	DomainPSRAMDevice
	DomainVAD
	DomainLogUART
	DomainWLAN

	numDomains
)

// MaxDomains is the width of the registry bitsets.
const MaxDomains = 32

var domainNames = [...]string{
	DomainOS:          "os",
	DomainAPRun:       "ap_run",
	DomainNPRun:       "np_run",
	DomainLPRun:       "lp_run",
	DomainKR4Run:      "kr4_run",
	DomainBTDevice:    "bt_device",
	DomainPSRAMDevice: "psram_device",
	DomainVAD:         "vad",
	DomainLogUART:     "loguart",
	DomainWLAN:        "wlan",
}

// String returns the config/API name of the domain.
func (d Domain) String() string {
	if int(d) < len(domainNames) {
		return domainNames[d]
	}
	return fmt.Sprintf("domain(%d)", uint8(d))
}

// Bit returns the registry mask bit for the domain.
func (d Domain) Bit() uint32 {
	return 1 << uint32(d)
}

// Valid reports whether d is a known domain.
func (d Domain) Valid() bool {
	return d < numDomains
}

// ParseDomain resolves a domain by name.
func ParseDomain(name string) (Domain, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range domainNames {
		if n == name {
			return Domain(i), true
		}
	}
	return 0, false
}

// Domains returns every known domain in bit order.
func Domains() []Domain {
	out := make([]Domain, 0, numDomains)
	for d := Domain(0); d < numDomains; d++ {
		out = append(out, d)
	}
	return out
}

// Mask builds a bitmask from a list of domains.
func Mask(domains ...Domain) uint32 {
	var m uint32
	for _, d := range domains {
		m |= d.Bit()
	}
	return m
}

// Names expands a mask into sorted domain names.
func Names(mask uint32) []string {
	var out []string
	for d := Domain(0); d < MaxDomains; d++ {
		if mask&d.Bit() != 0 {
			out = append(out, d.String())
		}
	}
	sort.Strings(out)
	return out
}

// Kind selects which bitset an operation targets.
type Kind uint8

const (
	// Shallow locks block clock and power gating.
	Shallow Kind = iota
	// Deep locks block deep sleep.
	Deep
)

func (k Kind) String() string {
	if k == Deep {
		return "deep"
	}
	return "shallow"
}

// Registry is the shared wakelock state. The zero value holds no locks.
type Registry struct {
	shallow atomic.Uint32
	deep    atomic.Uint32
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) bits(kind Kind) *atomic.Uint32 {
	if kind == Deep {
		return &r.deep
	}
	return &r.shallow
}

// Acquire sets the domain's bit. It reports whether the bit was newly set.
func (r *Registry) Acquire(d Domain, kind Kind) bool {
	old := r.bits(kind).Or(d.Bit())
	return old&d.Bit() == 0
}

// Release clears the domain's bit. It reports whether the bit was held;
// releasing an unheld lock changes nothing.
func (r *Registry) Release(d Domain, kind Kind) bool {
	old := r.bits(kind).And(^d.Bit())
	return old&d.Bit() != 0
}

// Held reports whether the domain currently holds a lock of the kind.
func (r *Registry) Held(d Domain, kind Kind) bool {
	return r.bits(kind).Load()&d.Bit() != 0
}

// AnyHeld reports whether any domain holds a lock of the kind.
func (r *Registry) AnyHeld(kind Kind) bool {
	return r.bits(kind).Load() != 0
}

// HeldIn returns the subset of mask currently held for the kind.
func (r *Registry) HeldIn(kind Kind, mask uint32) uint32 {
	return r.bits(kind).Load() & mask
}

// Status returns the raw bitmask for the kind.
func (r *Registry) Status(kind Kind) uint32 {
	return r.bits(kind).Load()
}

// Snapshot is a point-in-time copy of both bitsets.
type Snapshot struct {
	Shallow uint32 `json:"shallow"`
	Deep    uint32 `json:"deep"`
}

// Snapshot reads both bitsets. The two loads are independent; callers that
// need a consistent pair must serialise with their own writers.
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		Shallow: r.shallow.Load(),
		Deep:    r.deep.Load(),
	}
}
