package notify

import (
	"errors"

	"github.com/nmxmxh/dsplink/kernel/sab"
)

// Event numbers a notification line between two processors.
type Event uint32

// Callback runs on the receiving side when the peer notifies an event.
// It must not block; deliveries are serialized per bridge.
type Callback func(from sab.ProcessorID, event Event, payload uint32)

// Bridge delivers cross-processor events.
type Bridge interface {
	// Register installs fn for event sent by peer. One callback per
	// (peer, event) pair.
	Register(peer sab.ProcessorID, event Event, fn Callback) error
	Unregister(peer sab.ProcessorID, event Event) error
	// Notify raises event on peer with a 32-bit payload.
	Notify(peer sab.ProcessorID, event Event, payload uint32) error
}

var (
	ErrAlreadyRegistered = errors.New("notify: event already registered")
	ErrNotRegistered     = errors.New("notify: event not registered")
	ErrNoListener        = errors.New("notify: peer has no listener for event")
	ErrUnknownPeer       = errors.New("notify: unknown peer")
	ErrNotConnected      = errors.New("notify: link not connected")
	ErrRateLimited       = errors.New("notify: event rate limited")
	ErrBreakerOpen       = errors.New("notify: circuit open")
	ErrClosed            = errors.New("notify: bridge closed")
)

type route struct {
	src   sab.ProcessorID
	dst   sab.ProcessorID
	event Event
}
