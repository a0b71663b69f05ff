package wire

import (
	"errors"
	"fmt"
)

// ErrProtocolViolation indicates a response that is not legal for the
// outstanding request.
var ErrProtocolViolation = errors.New("wire: protocol violation")

type step struct {
	typ      MessageType
	statuses []Status
}

// pairings lists, per request type, the legal responses. For a request with
// two steps, the second is only expected after an OK status.
var pairings = map[MessageType][]step{
	TypeSPIAcquire: {{TypeSPIStatus, []Status{StatusOK, StatusBusBusy, StatusInvalidDevice}}},
	TypeSPIRelease: {{TypeSPIStatus, []Status{StatusOK, StatusBusNotAcquired}}},
	TypeSPIXferIn:  {{TypeSPIStatus, []Status{StatusBusNotAcquired}}},
	TypeI2CStart:   {{TypeI2CStatus, []Status{StatusOK, StatusBusBusy, StatusInvalidDevice}}},
	TypeI2CStop:    {{TypeI2CStatus, []Status{StatusOK, StatusBusNotAcquired, StatusUnexpectedStop}}},
	TypeI2CWrite:   {{TypeI2CStatus, []Status{StatusOK, StatusBusNotAcquired}}},
	TypeI2CRead: {
		{TypeI2CStatus, []Status{StatusOK, StatusBusNotAcquired}},
		{TypeI2CReadData, nil},
	},
}

// ExpectedResponses returns the message types a server may answer req with.
// It returns nil for types that are not requests.
func ExpectedResponses(req MessageType) []MessageType {
	switch req {
	case TypeSPIXferIn:
		return []MessageType{TypeSPIXferOut, TypeSPIStatus}
	case TypeI2CRead:
		return []MessageType{TypeI2CStatus, TypeI2CReadData}
	}
	steps, ok := pairings[req]
	if !ok {
		return nil
	}
	return []MessageType{steps[0].typ}
}

// Exchange tracks the responses to one outstanding request.
type Exchange struct {
	req  *Message
	step int
	done bool
}

// NewExchange starts tracking req.
func NewExchange(req *Message) (*Exchange, error) {
	if !req.Type.IsRequest() {
		return nil, fmt.Errorf("%w: %s is not a request", ErrProtocolViolation, req.Type)
	}
	return &Exchange{req: req}, nil
}

// Request returns the tracked request.
func (e *Exchange) Request() *Message {
	return e.req
}

// Done reports whether every expected response has arrived.
func (e *Exchange) Done() bool {
	return e.done
}

// Accept validates resp as the next response of the exchange. It returns
// true once the exchange is complete. Sequence numbers are not checked here.
func (e *Exchange) Accept(resp *Message) (bool, error) {
	if e.done {
		return true, fmt.Errorf("%w: %s after %s completed", ErrProtocolViolation, resp.Type, e.req.Type)
	}

	if e.req.Type == TypeSPIXferIn && resp.Type == TypeSPIXferOut {
		if resp.Bus != e.req.Bus {
			return false, fmt.Errorf("%w: %s for bus %d, sent bus %d", ErrProtocolViolation, resp.Type, resp.Bus, e.req.Bus)
		}
		e.done = true
		return true, nil
	}

	steps := pairings[e.req.Type]
	want := steps[e.step]
	if resp.Type != want.typ {
		return false, fmt.Errorf("%w: %s in reply to %s", ErrProtocolViolation, resp.Type, e.req.Type)
	}

	if want.statuses != nil && !containsStatus(want.statuses, resp.Status) {
		return false, fmt.Errorf("%w: status %s in reply to %s", ErrProtocolViolation, resp.Status, e.req.Type)
	}
	if resp.Type == TypeI2CReadData {
		if resp.Bus != e.req.Bus || resp.Size > e.req.Size {
			return false, fmt.Errorf("%w: %s bus=%d size=%d for read bus=%d size=%d",
				ErrProtocolViolation, resp.Type, resp.Bus, resp.Size, e.req.Bus, e.req.Size)
		}
	}

	e.step++
	if e.step == len(steps) || !resp.Status.IsSuccess() {
		e.done = true
	}
	return e.done, nil
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
