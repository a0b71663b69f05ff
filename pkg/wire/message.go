package wire

import "fmt"

// MessageType is the tag in the first header byte.
type MessageType uint8

const (
	TypeSPIStatus MessageType = iota
	TypeSPIAcquire
	TypeSPIRelease
	TypeSPIXferIn
	TypeSPIXferOut
	TypeI2CStatus
	TypeI2CStart
	TypeI2CStop
	TypeI2CWrite
	TypeI2CRead
	TypeI2CReadData

	typeCount
)

// Size limits.
const (
	// HeaderSize is the size of the common header in bytes.
	HeaderSize = 4

	// MaxSPIPayload is the largest SPI_XFER_IN/OUT payload.
	MaxSPIPayload = 1024

	// MaxI2CWrite is the largest I2C_WRITE payload.
	MaxI2CWrite = 1020

	// MaxI2CRead is the largest I2C_READ request and I2C_READ_DATA payload.
	MaxI2CRead = 1024

	// MaxMessageSize is the largest datagram the protocol produces.
	MaxMessageSize = HeaderSize + 3 + MaxSPIPayload
)

var typeNames = [typeCount]string{
	TypeSPIStatus:   "SPI_STATUS_CODE",
	TypeSPIAcquire:  "SPI_ACQUIRE_BUS",
	TypeSPIRelease:  "SPI_RELEASE_BUS",
	TypeSPIXferIn:   "SPI_XFER_IN",
	TypeSPIXferOut:  "SPI_XFER_OUT",
	TypeI2CStatus:   "I2C_STATUS_CODE",
	TypeI2CStart:    "I2C_START",
	TypeI2CStop:     "I2C_STOP",
	TypeI2CWrite:    "I2C_WRITE",
	TypeI2CRead:     "I2C_READ",
	TypeI2CReadData: "I2C_READ_DATA",
}

// String returns the catalog name of the type.
func (t MessageType) String() string {
	if t < typeCount {
		return typeNames[t]
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
}

// Valid reports whether t is in the catalog.
func (t MessageType) Valid() bool {
	return t < typeCount
}

// IsI2C reports whether t belongs to the I2C half of the catalog.
func (t MessageType) IsI2C() bool {
	return t >= TypeI2CStatus && t < typeCount
}

// IsRequest reports whether t is sent by clients.
func (t MessageType) IsRequest() bool {
	switch t {
	case TypeSPIAcquire, TypeSPIRelease, TypeSPIXferIn,
		TypeI2CStart, TypeI2CStop, TypeI2CWrite, TypeI2CRead:
		return true
	}
	return false
}

// hasPayload reports whether the message carries size bytes of data.
func (t MessageType) hasPayload() bool {
	switch t {
	case TypeSPIXferIn, TypeSPIXferOut, TypeI2CWrite, TypeI2CReadData:
		return true
	}
	return false
}

// fixedSize is the size of header plus fixed fields.
func (t MessageType) fixedSize() int {
	switch t {
	case TypeSPIStatus, TypeI2CStatus, TypeSPIRelease, TypeI2CStop:
		return HeaderSize + 1
	case TypeSPIAcquire:
		return HeaderSize + 2
	default:
		return HeaderSize + 3
	}
}

// maxData is the largest value the size field may carry for t.
func (t MessageType) maxData() int {
	switch t {
	case TypeSPIXferIn, TypeSPIXferOut:
		return MaxSPIPayload
	case TypeI2CWrite:
		return MaxI2CWrite
	case TypeI2CRead, TypeI2CReadData:
		return MaxI2CRead
	}
	return 0
}

// Header is the common message prefix.
type Header struct {
	Type  MessageType
	Spare uint8
	Seq   uint16
}

// Message is one decoded datagram. Only the fields the catalog defines for
// Type are meaningful; the rest are zero.
type Message struct {
	Type MessageType
	Seq  uint16

	// Status of SPI_STATUS_CODE and I2C_STATUS_CODE.
	Status Status

	// Bus index of every non-status message.
	Bus uint8

	// Chip select of SPI_ACQUIRE_BUS.
	Chip uint8

	// Address of I2C_START.
	Address uint16

	// Size is the requested length of I2C_READ. For messages carrying data
	// it is derived from Data when encoding and set when decoding.
	Size uint16

	// Data is the payload of transfer messages.
	Data []byte
}

// String returns a short description for logs.
func (m *Message) String() string {
	switch m.Type {
	case TypeSPIStatus, TypeI2CStatus:
		return fmt.Sprintf("%s seq=%d status=%s", m.Type, m.Seq, m.Status)
	case TypeSPIAcquire:
		return fmt.Sprintf("%s seq=%d bus=%d chip=%d", m.Type, m.Seq, m.Bus, m.Chip)
	case TypeI2CStart:
		return fmt.Sprintf("%s seq=%d bus=%d addr=0x%02x", m.Type, m.Seq, m.Bus, m.Address)
	case TypeSPIRelease, TypeI2CStop:
		return fmt.Sprintf("%s seq=%d bus=%d", m.Type, m.Seq, m.Bus)
	case TypeI2CRead:
		return fmt.Sprintf("%s seq=%d bus=%d size=%d", m.Type, m.Seq, m.Bus, m.Size)
	default:
		return fmt.Sprintf("%s seq=%d bus=%d size=%d", m.Type, m.Seq, m.Bus, len(m.Data))
	}
}

// EncodedSize returns the number of bytes Encode produces for m.
func (m *Message) EncodedSize() int {
	n := m.Type.fixedSize()
	if m.Type.hasPayload() {
		n += len(m.Data)
	}
	return n
}

// NewStatus returns the status message answering req, echoing its sequence.
func NewStatus(req *Message, status Status) *Message {
	t := TypeSPIStatus
	if req.Type.IsI2C() {
		t = TypeI2CStatus
	}
	return &Message{Type: t, Seq: req.Seq, Status: status}
}
