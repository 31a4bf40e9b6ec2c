package config

import "github.com/corepower/pmcoord/internal/hal"

// DefaultAddr is the default listen address for the HTTP/WebSocket API.
const DefaultAddr = "127.0.0.1:7380"

// DefaultLogLevel is used when log_level is unset.
const DefaultLogLevel = "info"

// DefaultTickHz is the always-on counter frequency.
const DefaultTickHz = 32768

// Poll bounds. A dependency attempt count of 0 waits until the companion is
// active or the request is cancelled.
const (
	DefaultIdlePollAttempts         = 1000
	DefaultIdlePollIntervalUs       = 10
	DefaultDependencyPollAttempts   = 0
	DefaultDependencyPollIntervalUs = 100
)

// DefaultAuditMaxRows bounds each history table.
const DefaultAuditMaxRows = 10000

// Mutation rate limit for the HTTP API.
const (
	DefaultRateLimitPerSec = 50
	DefaultRateBurst       = 10
)

// DefaultNatsSubjectPrefix is the subject root for published events.
const DefaultNatsSubjectPrefix = "pmcoord.events"

// Interrupt vectors of the simulated SoC. A core's peer_wake_vector must
// stay clear of all of them.
const (
	TimerVector       hal.Vector = 32
	PinVectorBase     hal.Vector = 64
	WakePinCount                 = 16
	MailboxVectorBase hal.Vector = 80
	MaxVector         hal.Vector = 255
)

// MailboxVector is the vector of a core's inbound mailbox.
func MailboxVector(id hal.CoreID) hal.Vector {
	return MailboxVectorBase + hal.Vector(id)
}
