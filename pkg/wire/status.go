package wire

// Status represents a response status code.
type Status uint8

const (
	// StatusOK indicates the request was applied.
	StatusOK Status = 0

	// StatusInvalidDevice indicates no device exists at the requested bus and chip.
	StatusInvalidDevice Status = 1

	// StatusBusBusy indicates another client owns the bus.
	StatusBusBusy Status = 2

	// StatusBusNotAcquired indicates the request requires ownership the
	// client does not hold.
	StatusBusNotAcquired Status = 3

	// StatusUnexpectedStop indicates an I2C stop from a client that does
	// not own the transaction. I2C only.
	StatusUnexpectedStop Status = 4
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusInvalidDevice:
		return "INVALID_DEVICE"
	case StatusBusBusy:
		return "BUS_BUSY"
	case StatusBusNotAcquired:
		return "BUS_NOT_ACQUIRED"
	case StatusUnexpectedStop:
		return "UNEXPECTED_STOP"
	default:
		return "UNKNOWN"
	}
}

// IsSuccess returns true if the status indicates success.
func (s Status) IsSuccess() bool {
	return s == StatusOK
}

// ValidFor reports whether s is a legal status value for status messages of
// type t.
func (s Status) ValidFor(t MessageType) bool {
	switch t {
	case TypeSPIStatus:
		return s <= StatusBusNotAcquired
	case TypeI2CStatus:
		return s <= StatusUnexpectedStop
	default:
		return false
	}
}
