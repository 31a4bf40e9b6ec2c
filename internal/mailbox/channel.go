// Package mailbox implements the directional single-slot inter-core mailbox.
//
// A send writes the shared slot and raises an interrupt on the receiving
// core. The slot holds at most one message: a second send before the
// receiver reads overwrites the first. The receiver invalidates its cache
// over the slot before reading it.
package mailbox

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	pmerrors "github.com/corepower/pmcoord/internal/errors"
	"github.com/corepower/pmcoord/internal/hal"
)

// Platform is the HAL surface a channel uses.
type Platform interface {
	hal.IPCTrigger
	hal.Cache
	hal.InterruptController
}

// Receiver handles messages delivered on a channel's interrupt.
type Receiver interface {
	HandleMessage(ch *Channel, msg Message)
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ch *Channel, msg Message)

// HandleMessage calls f(ch, msg).
func (f ReceiverFunc) HandleMessage(ch *Channel, msg Message) { f(ch, msg) }

// ChannelConfig describes one direction between two cores.
type ChannelConfig struct {
	From     hal.CoreID
	To       hal.CoreID
	Vector   hal.Vector
	Priority uint8
}

// Channel is one direction of the mailbox.
type Channel struct {
	cfg ChannelConfig
	hw  Platform
	log zerolog.Logger

	mu      sync.Mutex
	slot    [slotSize]byte
	pending bool

	sent       atomic.Uint64
	overwrites atomic.Uint64
}

// NewChannel creates a channel over the platform's IPC hardware.
func NewChannel(cfg ChannelConfig, hw Platform, log zerolog.Logger) *Channel {
	return &Channel{
		cfg: cfg,
		hw:  hw,
		log: log.With().Str("channel", cfg.From.String()+"->"+cfg.To.String()).Logger(),
	}
}

// From returns the sending core.
func (c *Channel) From() hal.CoreID { return c.cfg.From }

// To returns the receiving core.
func (c *Channel) To() hal.CoreID { return c.cfg.To }

// Vector returns the receive interrupt vector.
func (c *Channel) Vector() hal.Vector { return c.cfg.Vector }

// Send writes msg into the slot and signals the receiver. A message still
// pending in the slot is overwritten.
func (c *Channel) Send(msg Message) {
	c.mu.Lock()
	if c.pending {
		c.overwrites.Add(1)
		c.log.Debug().Stringer("kind", msg.Kind).Msg("overwriting unread mailbox message")
	}
	encodeSlot(msg, c.slot[:])
	c.pending = true
	c.mu.Unlock()

	c.sent.Add(1)
	c.hw.TriggerInterrupt(c.cfg.Vector)
}

// SendSleepRequest sends a sleep request.
func (c *Channel) SendSleepRequest(r SleepRequest) { c.Send(SleepMessage(r)) }

// SendWake sends a wake notification.
func (c *Channel) SendWake() { c.Send(WakeMessage()) }

// Pending reports whether an unread message sits in the slot.
func (c *Channel) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Sent returns the number of sends.
func (c *Channel) Sent() uint64 { return c.sent.Load() }

// Overwrites returns how many sends replaced an unread message.
func (c *Channel) Overwrites() uint64 { return c.overwrites.Load() }

// Receive consumes the slot.
func (c *Channel) Receive() (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.pending {
		return Message{}, pmerrors.New(pmerrors.CodeMailboxEmpty, "no pending mailbox message")
	}
	c.hw.InvalidateCache(c.slot[:])
	c.pending = false
	return decodeSlot(c.slot[:])
}

// Listen registers r on the channel's receive vector and enables it.
func (c *Channel) Listen(r Receiver) {
	c.hw.RegisterInterruptHandler(c.cfg.Vector, hal.InterruptHandlerFunc(func(v hal.Vector) {
		c.hw.ClearPendingInterrupt(v)
		msg, err := c.Receive()
		if err != nil {
			if pmerrors.IsCode(err, pmerrors.CodeMailboxEmpty) {
				return
			}
			c.log.Warn().Err(err).Msg("dropping mailbox message")
			return
		}
		r.HandleMessage(c, msg)
	}), c.cfg.Priority)
	c.hw.ClearPendingInterrupt(c.cfg.Vector)
	c.hw.EnableInterrupt(c.cfg.Vector)
}
