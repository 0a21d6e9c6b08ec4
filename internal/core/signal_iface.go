package core

import (
	"context"
	"errors"
)

// Signaling event names. Inbound and outbound events share one namespace
// on the wire; the bridge decides direction.
const (
	EventIncomingCall     = "incoming-call"
	EventParticipantJoin  = "participant-joined"
	EventParticipantLeft  = "participant-left"
	EventParticipantAdded = "participant-added"
	EventCallEnded        = "call-ended"

	EventCallOpen       = "call-open"
	EventCallInit       = "call-init"
	EventCallJoin       = "call-join"
	EventCallEnd        = "call-end"
	EventCallReject     = "call-reject"
	EventAddParticipant = "add-participant"
)

var ErrNotConnected = errors.New("signal transport not connected")

// Frame is a raw event payload as received from the wire.
type Frame []byte

// SignalTransport abstracts the persistent bidirectional signaling
// connection. Owned by the adapter; the adapter must Close() it.
type SignalTransport interface {
	// Connected reports whether the underlying connection is live.
	Connected() bool
	// Reconnect re-establishes a dropped connection. It blocks until the
	// connection is live or ctx expires.
	Reconnect(ctx context.Context) error
	// Emit sends a named event. The payload is JSON-marshaled by the adapter.
	Emit(event string, payload any) error
	// On registers a handler for a named inbound event. Handlers run on the
	// transport's read loop and must not block.
	On(event string, h func(Frame))
	Close()
}
