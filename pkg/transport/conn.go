package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/halsim/halsim-go/pkg/log"
)

// Config configures a client Conn.
type Config struct {
	// ReceiveTimeout is the default Receive timeout (0 blocks).
	ReceiveTimeout time.Duration

	// MaxMessageSize is the largest datagram accepted (default: 2048).
	MaxMessageSize int

	// SessionID tags capture events.
	SessionID string

	// Capture records every datagram (optional).
	Capture log.Logger

	// Logger for operational messages (optional).
	Logger *slog.Logger
}

// Conn is a connected datagram socket to one remote endpoint.
type Conn struct {
	conn    *net.UDPConn
	config  Config
	capture log.Logger
	logger  *slog.Logger

	timeout  atomic.Int64
	blocking atomic.Bool

	closeOnce sync.Once
	closed    atomic.Bool
	writeMu   sync.Mutex
	readMu    sync.Mutex
	buf       []byte
}

// Dial resolves address and opens a connected UDP socket to it.
func Dial(ctx context.Context, address string, config Config) (*Conn, error) {
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, "udp", address)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	c := &Conn{
		conn:    nc.(*net.UDPConn),
		config:  config,
		capture: log.OrNoop(config.Capture),
		logger:  config.Logger,
		buf:     make([]byte, config.MaxMessageSize+1),
	}
	if err := c.SetReceiveTimeout(config.ReceiveTimeout); err != nil {
		c.logger.Warn("receive timeout unsupported, using blocking reads", "remote", address, "error", err)
	}
	return c, nil
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetReceiveTimeout sets the timeout used by Receive when it is called
// with a negative timeout. If the socket rejects deadlines the Conn switches
// to blocking mode and the error is returned; the Conn remains usable.
func (c *Conn) SetReceiveTimeout(d time.Duration) error {
	c.timeout.Store(int64(d))
	if d <= 0 {
		return nil
	}
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		c.blocking.Store(true)
		return err
	}
	c.blocking.Store(false)
	return nil
}

// ReceiveTimeout returns the default receive timeout.
func (c *Conn) ReceiveTimeout() time.Duration {
	return time.Duration(c.timeout.Load())
}

// Blocking reports whether receive deadlines are unavailable.
func (c *Conn) Blocking() bool {
	return c.blocking.Load()
}

// Send writes one datagram.
func (c *Conn) Send(data []byte) error {
	if len(data) > c.config.MaxMessageSize {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(data), c.config.MaxMessageSize)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if _, err := c.conn.Write(data); err != nil {
		return classify(err)
	}
	c.logFrame(log.DirectionOut, data)
	return nil
}

// Receive reads one datagram. A negative timeout uses the configured
// default; zero blocks. Expiry returns ErrTimeout.
func (c *Conn) Receive(timeout time.Duration) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}
	if timeout < 0 {
		timeout = c.ReceiveTimeout()
	}
	if timeout > 0 && !c.blocking.Load() {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			c.blocking.Store(true)
			c.logger.Warn("receive timeout unsupported, using blocking reads", "error", err)
		} else {
			defer c.conn.SetReadDeadline(time.Time{})
		}
	}

	n, err := c.conn.Read(c.buf)
	if err != nil {
		return nil, classify(err)
	}
	if n > c.config.MaxMessageSize {
		return nil, fmt.Errorf("%w: datagram exceeds %d bytes", ErrMessageTooLarge, c.config.MaxMessageSize)
	}

	data := make([]byte, n)
	copy(data, c.buf[:n])
	c.logFrame(log.DirectionIn, data)
	return data, nil
}

// Close closes the socket. Blocked Receive calls return ErrConnectionClosed.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) logFrame(dir log.Direction, data []byte) {
	c.capture.Log(log.Event{
		Timestamp:  time.Now(),
		SessionID:  c.config.SessionID,
		Direction:  dir,
		Layer:      log.LayerTransport,
		Category:   log.CategoryMessage,
		LocalRole:  log.RoleClient,
		RemoteAddr: c.conn.RemoteAddr().String(),
		Frame:      log.NewFrameEvent(data),
	})
}
