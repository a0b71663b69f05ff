package transport

import (
	"context"
	"net"
	"time"
)

// ClientConnection is a datagram session to one endpoint.
// Implemented by Conn.
type ClientConnection interface {
	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// Send sends one datagram.
	Send(data []byte) error

	// Receive receives one datagram. A negative timeout selects the
	// configured default.
	Receive(timeout time.Duration) ([]byte, error)

	Close() error
}

// TransportServer is a datagram server.
// Implemented by Server.
type TransportServer interface {
	Start(ctx context.Context) error
	Stop() error
	Addr() net.Addr
	Reply(peer Peer, data []byte) error
}

var (
	_ ClientConnection = (*Conn)(nil)
	_ TransportServer  = (*Server)(nil)
)
