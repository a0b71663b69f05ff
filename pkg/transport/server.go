package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/halsim/halsim-go/pkg/log"
)

// Peer identifies the sender of a datagram.
type Peer struct {
	Addr *net.UDPAddr
}

// String returns the peer address as host:port.
func (p Peer) String() string {
	if p.Addr == nil {
		return ""
	}
	return p.Addr.String()
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// Address to listen on (e.g., ":9000" or "127.0.0.1:0").
	Address string

	// MaxMessageSize is the largest datagram accepted (default: 2048).
	MaxMessageSize int

	// MaxInflight bounds concurrent OnMessage calls (default: 256). The read
	// loop stops reading while the bound is reached.
	MaxInflight int

	// Capture records every datagram (optional).
	Capture log.Logger

	// Logger for operational messages (optional).
	Logger *slog.Logger

	// OnMessage is called for every datagram on its own goroutine. The ctx
	// is cancelled when the server stops. Required.
	OnMessage func(ctx context.Context, peer Peer, msg []byte)

	// OnError is called for read and size errors (optional).
	OnError func(peer Peer, err error)
}

// Server receives datagrams from many clients on one socket.
type Server struct {
	config  ServerConfig
	capture log.Logger
	logger  *slog.Logger

	conn     *net.UDPConn
	inflight chan struct{}

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	writeMu sync.Mutex
}

// NewServer creates a server. It does not open the socket until Start.
func NewServer(config ServerConfig) (*Server, error) {
	if config.OnMessage == nil {
		return nil, fmt.Errorf("OnMessage is required")
	}
	if config.Address == "" {
		config.Address = fmt.Sprintf(":%d", DefaultPort)
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if config.MaxInflight <= 0 {
		config.MaxInflight = DefaultMaxInflight
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Server{
		config:   config,
		capture:  log.OrNoop(config.Capture),
		logger:   config.Logger,
		inflight: make(chan struct{}, config.MaxInflight),
	}, nil
}

// Start opens the socket and begins reading datagrams.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", s.config.Address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.conn = conn
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running.Store(true)

	s.wg.Add(1)
	go s.readLoop()

	s.logger.Info("listening", "addr", conn.LocalAddr().String())
	return nil
}

// Stop closes the socket, cancels in-flight handlers and waits for them.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	s.cancel()
	err := s.conn.Close()
	s.wg.Wait()
	return err
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Reply sends data to peer.
func (s *Server) Reply(peer Peer, data []byte) error {
	if !s.running.Load() {
		return ErrConnectionClosed
	}
	if len(data) > s.config.MaxMessageSize {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(data), s.config.MaxMessageSize)
	}

	s.writeMu.Lock()
	_, err := s.conn.WriteToUDP(data, peer.Addr)
	s.writeMu.Unlock()
	if err != nil {
		return classify(err)
	}
	s.logFrame(log.DirectionOut, peer, data)
	return nil
}

func (s *Server) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, s.config.MaxMessageSize+1)
	for s.running.Load() {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			if IsInterrupted(err) {
				continue
			}
			s.reportError(Peer{Addr: addr}, fmt.Errorf("read error: %w", err))
			continue
		}

		peer := Peer{Addr: addr}
		if n > s.config.MaxMessageSize {
			s.reportError(peer, fmt.Errorf("%w: datagram exceeds %d bytes", ErrMessageTooLarge, s.config.MaxMessageSize))
			continue
		}

		msg := make([]byte, n)
		copy(msg, buf[:n])
		s.logFrame(log.DirectionIn, peer, msg)

		select {
		case s.inflight <- struct{}{}:
		case <-s.ctx.Done():
			return
		}
		s.wg.Add(1)
		go func() {
			defer func() {
				<-s.inflight
				s.wg.Done()
			}()
			s.config.OnMessage(s.ctx, peer, msg)
		}()
	}
}

func (s *Server) reportError(peer Peer, err error) {
	s.logger.Debug("datagram error", "peer", peer.String(), "error", err)
	s.capture.Log(log.Event{
		Timestamp:  time.Now(),
		SessionID:  peer.String(),
		Layer:      log.LayerTransport,
		Category:   log.CategoryError,
		LocalRole:  log.RoleServer,
		RemoteAddr: peer.String(),
		Error:      &log.ErrorEventData{Layer: log.LayerTransport, Message: err.Error(), Context: "read"},
	})
	if s.config.OnError != nil {
		s.config.OnError(peer, err)
	}
}

func (s *Server) logFrame(dir log.Direction, peer Peer, data []byte) {
	s.capture.Log(log.Event{
		Timestamp:  time.Now(),
		SessionID:  peer.String(),
		Direction:  dir,
		Layer:      log.LayerTransport,
		Category:   log.CategoryMessage,
		LocalRole:  log.RoleServer,
		RemoteAddr: peer.String(),
		Frame:      log.NewFrameEvent(data),
	})
}
