package hal

import (
	"errors"
	"fmt"

	"github.com/halsim/halsim-go/pkg/wire"
)

// Bus operation errors. Operations return an *OpError wrapping one of these.
var (
	// ErrDeviceNotFound indicates the device is not in the table or the
	// simulator answered INVALID_DEVICE.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrBusBusy indicates another client owns the bus.
	ErrBusBusy = errors.New("bus busy")

	// ErrBusNotAcquired indicates the client does not own the bus.
	ErrBusNotAcquired = errors.New("bus not acquired")

	// ErrUnexpectedStop indicates an I2C stop on a bus owned by another client.
	ErrUnexpectedStop = errors.New("unexpected stop")

	// ErrProtocolViolation indicates a response that is not legal for the
	// outstanding request.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrTransport indicates a send or receive failure other than a timeout.
	ErrTransport = errors.New("transport error")

	// ErrTimeout indicates no response after every retransmission.
	ErrTimeout = errors.New("timeout")

	// ErrPayloadTooLarge indicates a request that cannot be encoded.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrClosed indicates use of a closed handle.
	ErrClosed = errors.New("handle closed")
)

// OpError describes a failed bus operation.
type OpError struct {
	Op   string
	Bus  int
	Chip int
	Seq  uint16
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s bus %d chip %d (seq %d): %v", e.Op, e.Bus, e.Chip, e.Seq, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// statusError maps a negative status to its sentinel.
func statusError(s wire.Status) error {
	switch s {
	case wire.StatusOK:
		return nil
	case wire.StatusInvalidDevice:
		return ErrDeviceNotFound
	case wire.StatusBusBusy:
		return ErrBusBusy
	case wire.StatusBusNotAcquired:
		return ErrBusNotAcquired
	case wire.StatusUnexpectedStop:
		return ErrUnexpectedStop
	}
	return fmt.Errorf("%w: status %s", ErrProtocolViolation, s)
}
