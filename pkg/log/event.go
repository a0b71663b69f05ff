package log

import (
	"time"

	"github.com/halsim/halsim-go/pkg/wire"
)

// MaxFrameCapture is the number of datagram bytes kept in a FrameEvent.
const MaxFrameCapture = 256

// Event represents a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID identifies the client session (UUID). On the simulator it
	// is the client identity derived from the peer address.
	SessionID string `cbor:"2,keyasint"`

	Direction Direction `cbor:"3,keyasint"`
	Layer     Layer     `cbor:"4,keyasint"`
	Category  Category  `cbor:"5,keyasint"`

	// LocalRole indicates whether the event was captured by a client or the simulator.
	LocalRole Role `cbor:"6,keyasint,omitempty"`

	// RemoteAddr is the peer address (IP:port).
	RemoteAddr string `cbor:"7,keyasint,omitempty"`

	// BusType is "spi" or "i2c" when the event concerns one bus.
	BusType string `cbor:"8,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing message.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which protocol layer captured the event.
type Layer uint8

const (
	// LayerTransport is the datagram layer (raw bytes).
	LayerTransport Layer = 0
	// LayerWire is the decoded message layer.
	LayerWire Layer = 1
	// LayerBus is bus ownership and session state.
	LayerBus Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerWire:
		return "WIRE"
	case LayerBus:
		return "BUS"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	CategoryMessage Category = 0
	CategoryState   Category = 2
	CategoryError   Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Role indicates which side captured the event.
type Role uint8

const (
	RoleClient Role = 0
	RoleServer Role = 1
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "CLIENT"
	case RoleServer:
		return "SERVER"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures a raw datagram at the transport layer.
type FrameEvent struct {
	// Size is the datagram size in bytes.
	Size int `cbor:"1,keyasint"`

	// Data is the datagram (truncated to MaxFrameCapture bytes).
	Data []byte `cbor:"2,keyasint,omitempty"`

	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// NewFrameEvent copies up to MaxFrameCapture bytes of data.
func NewFrameEvent(data []byte) *FrameEvent {
	f := &FrameEvent{Size: len(data)}
	n := len(data)
	if n > MaxFrameCapture {
		n = MaxFrameCapture
		f.Truncated = true
	}
	f.Data = append([]byte(nil), data[:n]...)
	return f
}

// MessageEvent captures a decoded message at the wire layer.
type MessageEvent struct {
	Type wire.MessageType `cbor:"1,keyasint"`
	Seq  uint16           `cbor:"2,keyasint"`

	// Bus index for non-status messages.
	Bus *uint8 `cbor:"3,keyasint,omitempty"`

	// Chip select (SPI acquire) or device address (I2C start).
	Chip *uint16 `cbor:"4,keyasint,omitempty"`

	// Status for status messages.
	Status *wire.Status `cbor:"5,keyasint,omitempty"`

	// Size is the payload length of transfer messages or the requested
	// length of an I2C read.
	Size *int `cbor:"6,keyasint,omitempty"`

	// ProcessingTime is the time from request receipt to response (responses
	// sent by the simulator only). Stored as nanoseconds.
	ProcessingTime *time.Duration `cbor:"7,keyasint,omitempty"`
}

// NewMessageEvent describes m.
func NewMessageEvent(m *wire.Message) *MessageEvent {
	ev := &MessageEvent{Type: m.Type, Seq: m.Seq}
	switch m.Type {
	case wire.TypeSPIStatus, wire.TypeI2CStatus:
		st := m.Status
		ev.Status = &st
		return ev
	case wire.TypeSPIAcquire:
		chip := uint16(m.Chip)
		ev.Chip = &chip
	case wire.TypeI2CStart:
		addr := m.Address
		ev.Chip = &addr
	case wire.TypeI2CRead:
		size := int(m.Size)
		ev.Size = &size
	case wire.TypeSPIXferIn, wire.TypeSPIXferOut, wire.TypeI2CWrite, wire.TypeI2CReadData:
		size := len(m.Data)
		ev.Size = &size
	}
	bus := m.Bus
	ev.Bus = &bus
	return ev
}

// StateChangeEvent captures bus ownership and session lifecycle events.
type StateChangeEvent struct {
	Entity StateEntity `cbor:"1,keyasint"`

	// Bus index when Entity is StateEntityBus.
	Bus *uint8 `cbor:"2,keyasint,omitempty"`

	OldState string `cbor:"3,keyasint,omitempty"`
	NewState string `cbor:"4,keyasint"`
	Reason   string `cbor:"5,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntitySession is a client session (open, acquired, closed).
	StateEntitySession StateEntity = 0
	// StateEntityBus is a bus on the simulator (free, owned).
	StateEntityBus StateEntity = 1
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntitySession:
		return "SESSION"
	case StateEntityBus:
		return "BUS"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	Layer   Layer  `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`

	// Context describes what operation was being performed.
	Context string `cbor:"3,keyasint,omitempty"`
}
