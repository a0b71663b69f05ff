package transport

import (
	"errors"
	"net"
	"os"
)

// Defaults.
const (
	// DefaultPort is the simulator's UDP port.
	DefaultPort = 9000

	// DefaultMaxMessageSize bounds a datagram in bytes.
	DefaultMaxMessageSize = 2048

	// DefaultMaxInflight bounds concurrently handled server datagrams.
	DefaultMaxInflight = 256
)

var (
	// ErrConnectionClosed indicates the socket was closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrTimeout indicates a receive deadline expired.
	ErrTimeout = errors.New("receive timeout")

	// ErrMessageTooLarge indicates a datagram above MaxMessageSize.
	ErrMessageTooLarge = errors.New("message too large")
)

// classify maps socket errors onto the package sentinels. Interrupts and
// other errors are returned unchanged.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, net.ErrClosed):
		return ErrConnectionClosed
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ErrTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	return err
}
