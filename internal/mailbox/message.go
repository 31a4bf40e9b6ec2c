package mailbox

import (
	"encoding/binary"
	"fmt"

	pmerrors "github.com/corepower/pmcoord/internal/errors"
)

// SleepType selects how deep a core is gated.
type SleepType uint8

const (
	SleepPowerGate SleepType = 0
	SleepClockGate SleepType = 1
)

// Valid reports whether t is a known sleep type.
func (t SleepType) Valid() bool {
	return t == SleepPowerGate || t == SleepClockGate
}

func (t SleepType) String() string {
	switch t {
	case SleepPowerGate:
		return "pg"
	case SleepClockGate:
		return "cg"
	}
	return fmt.Sprintf("sleep_type(%d)", uint8(t))
}

// ParseSleepType accepts "pg", "power_gate", "cg" and "clock_gate".
func ParseSleepType(s string) (SleepType, bool) {
	switch s {
	case "pg", "power_gate", "powergate":
		return SleepPowerGate, true
	case "cg", "clock_gate", "clockgate":
		return SleepClockGate, true
	}
	return 0, false
}

// SleepRequestSize is the encoded size of a SleepRequest.
const SleepRequestSize = 6

// SleepRequest asks the receiving core to gate the sender.
//
// Wire layout, little-endian:
//
//	[0]    sleep type
//	[1:5]  duration in ms (0 = no timed wake)
//	[5]    deep sleep enable (non-zero = true)
type SleepRequest struct {
	Type       SleepType `json:"sleep_type"`
	DurationMs uint32    `json:"duration_ms"`
	Deep       bool      `json:"deep"`
}

// MarshalBinary encodes r into its 6-byte wire form.
func (r SleepRequest) MarshalBinary() ([]byte, error) {
	buf := make([]byte, SleepRequestSize)
	r.put(buf)
	return buf, nil
}

func (r SleepRequest) put(buf []byte) {
	buf[0] = byte(r.Type)
	binary.LittleEndian.PutUint32(buf[1:5], r.DurationMs)
	buf[5] = 0
	if r.Deep {
		buf[5] = 1
	}
}

// UnmarshalBinary decodes the wire form. Unknown sleep types are carried
// through; rejecting them is the receiver's decision.
func (r *SleepRequest) UnmarshalBinary(data []byte) error {
	if len(data) < SleepRequestSize {
		return pmerrors.MailboxDecodeFailed(fmt.Sprintf("sleep request needs %d bytes, got %d", SleepRequestSize, len(data)))
	}
	r.Type = SleepType(data[0])
	r.DurationMs = binary.LittleEndian.Uint32(data[1:5])
	r.Deep = data[5] != 0
	return nil
}

// Kind tags what the mailbox slot carries.
type Kind uint8

const (
	KindSleepRequest Kind = 1
	KindWake         Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindSleepRequest:
		return "sleep_request"
	case KindWake:
		return "wake"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Message is one mailbox payload.
type Message struct {
	Kind  Kind
	Sleep SleepRequest
}

// SleepMessage wraps a sleep request.
func SleepMessage(r SleepRequest) Message {
	return Message{Kind: KindSleepRequest, Sleep: r}
}

// WakeMessage is a wake notification with no payload.
func WakeMessage() Message {
	return Message{Kind: KindWake}
}

// slotSize is the kind byte plus the largest payload.
const slotSize = 1 + SleepRequestSize

func encodeSlot(msg Message, slot []byte) {
	for i := range slot {
		slot[i] = 0
	}
	slot[0] = byte(msg.Kind)
	if msg.Kind == KindSleepRequest {
		msg.Sleep.put(slot[1:])
	}
}

func decodeSlot(slot []byte) (Message, error) {
	if len(slot) < 1 {
		return Message{}, pmerrors.MailboxDecodeFailed("empty slot")
	}
	msg := Message{Kind: Kind(slot[0])}
	switch msg.Kind {
	case KindSleepRequest:
		if err := msg.Sleep.UnmarshalBinary(slot[1:]); err != nil {
			return Message{}, err
		}
	case KindWake:
	default:
		return Message{}, pmerrors.MailboxUnknownKind(slot[0])
	}
	return msg, nil
}
