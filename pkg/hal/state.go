package hal

// State is the transaction state of a handle.
type State uint8

const (
	StateIdle State = iota
	StateAcquireSent
	StateBusGranted
	StateBusDenied
	StateDeviceInvalid
	StateTransferring
	StateTransferComplete
	StateTransferDenied
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAcquireSent:
		return "ACQUIRE_SENT"
	case StateBusGranted:
		return "BUS_GRANTED"
	case StateBusDenied:
		return "BUS_DENIED"
	case StateDeviceInvalid:
		return "DEVICE_INVALID"
	case StateTransferring:
		return "TRANSFERRING"
	case StateTransferComplete:
		return "TRANSFER_COMPLETE"
	case StateTransferDenied:
		return "TRANSFER_DENIED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Owned reports whether the state implies the handle owns its bus.
func (s State) Owned() bool {
	switch s {
	case StateBusGranted, StateTransferring, StateTransferComplete:
		return true
	}
	return false
}
