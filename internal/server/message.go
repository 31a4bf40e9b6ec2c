// Package server exposes the power coordinator over HTTP and streams its
// events to WebSocket clients.
package server

import (
	"github.com/corepower/pmcoord/internal/power"
)

// MessageType identifies the kind of message sent over the WebSocket.
type MessageType string

const (
	// MessageTypeStatus carries a power.Status snapshot. It is sent once
	// when a client connects.
	MessageTypeStatus MessageType = "power.status"

	// MessageTypeEvent carries a single power.Event.
	MessageTypeEvent MessageType = "power.event"
)

// Message is the envelope for every WebSocket frame.
type Message struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload"`
}

// NewStatusMessage wraps a coordinator snapshot.
func NewStatusMessage(st power.Status) Message {
	return Message{Type: MessageTypeStatus, Payload: st}
}

// NewEventMessage wraps a coordinator event.
func NewEventMessage(ev power.Event) Message {
	return Message{Type: MessageTypeEvent, Payload: ev}
}
