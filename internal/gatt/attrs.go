// Package gatt implements the local radio attribute server: a small table
// of named attributes with read/write/notify capabilities and a
// single-peer connection state machine. The radio binding itself lives in
// the goble sub-package; this core is transport-agnostic so the command
// surface can be exercised without an adapter.
package gatt

import "errors"

// AttrID keys an attribute. The values are a compatibility surface for
// existing wireless clients and must not change between versions.
type AttrID uint16

const (
	// ServiceID is the default 16-bit UUID of the primary service.
	ServiceID uint16 = 0x00FF

	// AttrLed holds the LED pattern (read/write/notify).
	AttrLed AttrID = 0xFF01

	// AttrServo holds the servo angle (read/write/notify).
	AttrServo AttrID = 0xFF02

	// AttrTelemetry carries sensor records (read/notify).
	AttrTelemetry AttrID = 0xFF03

	// AttrNetwork accepts uplink credentials (write only).
	AttrNetwork AttrID = 0xFF04

	// AttrBroker accepts broker configuration (write only).
	AttrBroker AttrID = 0xFF05
)

// Attr declares one attribute: its identifier and the capabilities it
// exposes. A nil handler means the capability is absent.
type Attr struct {
	ID     AttrID
	Read   func() ([]byte, error)
	Write  func(data []byte) error
	Notify bool
}

// Attribute server errors
var (
	ErrNotReadable   = errors.New("attribute not readable")
	ErrNotWritable   = errors.New("attribute not writable")
	ErrNoSuchAttr    = errors.New("no such attribute")
	ErrNotNotifiable = errors.New("attribute does not notify")
	ErrPeerRejected  = errors.New("another peer is connected")
	ErrNotStarted    = errors.New("server not started")
)
