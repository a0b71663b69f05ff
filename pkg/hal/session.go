package hal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/halsim/halsim-go/pkg/devtable"
	"github.com/halsim/halsim-go/pkg/log"
	"github.com/halsim/halsim-go/pkg/retry"
	"github.com/halsim/halsim-go/pkg/transport"
	"github.com/halsim/halsim-go/pkg/wire"
)

// session is one open datagram connection with its sequence counter. Every
// operation of the owning handle runs with mu held, so requests of one
// handle are strictly sequential.
type session struct {
	mu sync.Mutex

	id      string
	busType devtable.BusType
	conn    transport.ClientConnection
	config  Config
	logger  *slog.Logger
	capture log.Logger

	seq    uint16
	state  atomic.Uint32
	closed bool
}

func openSession(ctx context.Context, cfg Config, bt devtable.BusType, e devtable.Entry) (*session, error) {
	id := uuid.NewString()
	capture := log.OrNoop(cfg.Capture)

	conn, err := cfg.Dial(ctx, e.Remote.Addr(), transport.Config{
		ReceiveTimeout: cfg.ReceiveTimeout,
		SessionID:      id,
		Capture:        capture,
		Logger:         cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	s := &session{
		id:      id,
		busType: bt,
		conn:    conn,
		config:  cfg,
		logger:  cfg.Logger.With("session", id, "bus_type", bt.String(), "bus", e.Bus, "chip", e.Chip),
		capture: capture,
	}
	if b, ok := conn.(interface{ Blocking() bool }); ok && b.Blocking() {
		s.logger.Warn("receive timeout unavailable, session uses blocking reads")
	}
	s.logger.Debug("session opened", "remote", e.Remote.Addr())
	s.setState(StateIdle, "open")
	return s, nil
}

// State returns the current transaction state.
func (s *session) State() State {
	return State(s.state.Load())
}

func (s *session) setState(st State, reason string) {
	if s.closed {
		return
	}
	old := State(s.state.Swap(uint32(st)))
	if old == st && reason != "open" {
		return
	}
	s.capture.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: s.id,
		Layer:     log.LayerBus,
		Category:  log.CategoryState,
		LocalRole: log.RoleClient,
		BusType:   s.busType.String(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySession,
			OldState: old.String(),
			NewState: st.String(),
			Reason:   reason,
		},
	})
}

// roundTrip sends req with the next sequence number and collects its
// responses. Responses carrying another sequence number are stale replies to
// earlier retransmissions and are dropped. Each send gets one receive
// deadline that dropped datagrams do not extend. When it expires the same
// datagram is resent, at most retransmits times. The caller holds s.mu.
func (s *session) roundTrip(ctx context.Context, req *wire.Message, retransmits int) ([]*wire.Message, error) {
	if s.closed {
		return nil, ErrClosed
	}

	s.seq++
	req.Seq = s.seq
	frame, err := wire.Encode(req)
	if err != nil {
		if errors.Is(err, wire.ErrPayloadTooLarge) {
			return nil, fmt.Errorf("%w: %v", ErrPayloadTooLarge, err)
		}
		return nil, err
	}
	ex, err := wire.NewExchange(req)
	if err != nil {
		return nil, err
	}

	if err := s.send(frame); err != nil {
		return nil, err
	}
	s.captureMessage(log.DirectionOut, req)

	backoff := retry.New(s.config.Backoff)
	deadline := time.Now().Add(s.config.ReceiveTimeout)
	var resp []*wire.Message
	for {
		if err := ctx.Err(); err != nil {
			return resp, err
		}

		var data []byte
		err := transport.ErrTimeout
		if timeout := s.receiveTimeout(ctx, deadline); timeout > 0 {
			data, err = s.conn.Receive(timeout)
		}
		switch {
		case err == nil:
		case transport.IsInterrupted(err):
			continue
		case errors.Is(err, transport.ErrTimeout):
			if ctxErr := ctx.Err(); ctxErr != nil {
				return resp, ctxErr
			}
			if backoff.Attempts() >= retransmits {
				return resp, ErrTimeout
			}
			if err := backoff.Wait(ctx); err != nil {
				return resp, err
			}
			s.logger.Debug("retransmitting", "seq", req.Seq, "type", req.Type, "attempt", backoff.Attempts())
			if err := s.send(frame); err != nil {
				return resp, err
			}
			deadline = time.Now().Add(s.config.ReceiveTimeout)
			continue
		case errors.Is(err, transport.ErrConnectionClosed):
			return resp, ErrClosed
		default:
			return resp, fmt.Errorf("%w: %v", ErrTransport, err)
		}

		m, err := wire.Decode(data)
		if err != nil {
			return resp, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}
		if m.Seq != req.Seq {
			s.logger.Debug("discarding stale response", "seq", m.Seq, "want", req.Seq, "type", m.Type)
			continue
		}
		if duplicate(resp, m) {
			continue
		}
		s.captureMessage(log.DirectionIn, m)

		done, err := ex.Accept(m)
		if err != nil {
			return resp, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}
		resp = append(resp, m)
		if done {
			return resp, nil
		}
	}
}

// duplicate reports whether a response of m's type was already received for
// the outstanding request, as happens when both the original and a
// retransmission are answered.
func duplicate(resp []*wire.Message, m *wire.Message) bool {
	for _, r := range resp {
		if r.Type == m.Type {
			return true
		}
	}
	return false
}

// receiveTimeout returns the time left until deadline, shortened to the
// context deadline. Zero means the attempt has expired.
func (s *session) receiveTimeout(ctx context.Context, deadline time.Time) time.Duration {
	timeout := time.Until(deadline)
	if timeout <= 0 {
		return 0
	}
	if d, ok := ctx.Deadline(); ok {
		if remaining := time.Until(d); remaining < timeout {
			timeout = max(remaining, time.Millisecond)
		}
	}
	return timeout
}

func (s *session) send(frame []byte) error {
	for {
		err := s.conn.Send(frame)
		switch {
		case err == nil:
			return nil
		case transport.IsInterrupted(err):
			continue
		case errors.Is(err, transport.ErrConnectionClosed):
			return ErrClosed
		default:
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}
}

// close closes the connection. The caller holds s.mu.
func (s *session) close() error {
	if s.closed {
		return nil
	}
	s.setState(StateClosed, "close")
	s.closed = true
	s.logger.Debug("session closed")
	return s.conn.Close()
}

func (s *session) captureMessage(dir log.Direction, m *wire.Message) {
	s.capture.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: s.id,
		Direction: dir,
		Layer:     log.LayerWire,
		Category:  log.CategoryMessage,
		LocalRole: log.RoleClient,
		BusType:   s.busType.String(),
		Message:   log.NewMessageEvent(m),
	})
}

// expectStatus returns the status of a single status response.
func expectStatus(resp []*wire.Message) (wire.Status, error) {
	if len(resp) == 0 || (resp[0].Type != wire.TypeSPIStatus && resp[0].Type != wire.TypeI2CStatus) {
		return 0, fmt.Errorf("%w: expected a status response", ErrProtocolViolation)
	}
	return resp[0].Status, nil
}
