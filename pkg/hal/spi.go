package hal

import (
	"context"
	"fmt"
	"math"

	"github.com/halsim/halsim-go/pkg/devtable"
	"github.com/halsim/halsim-go/pkg/wire"
)

// SPIID identifies an SPI device. Bus and Chip, when set, take precedence
// over the values parsed from Name ("spi<bus>.<chip>").
type SPIID struct {
	Name string
	Bus  *int
	Chip *int
}

// SPI is a client handle for one SPI device.
type SPI struct {
	sess *session
	bus  uint8
	chip uint8
}

// OpenSPI resolves id in the device table and opens a session to the
// simulator serving it. An unknown device returns a nil handle and an error
// wrapping ErrDeviceNotFound.
func OpenSPI(ctx context.Context, id SPIID, cfg Config) (*SPI, error) {
	cfg = cfg.withDefaults()
	e, err := resolve(cfg, devtable.SPI, id.Name, id.Bus, id.Chip, math.MaxUint8)
	if err != nil {
		cfg.Logger.Warn("spi device not resolved", "name", id.Name, "error", err)
		return nil, err
	}
	sess, err := openSession(ctx, cfg, devtable.SPI, e)
	if err != nil {
		return nil, err
	}
	return &SPI{sess: sess, bus: uint8(e.Bus), chip: uint8(e.Chip)}, nil
}

// Valid reports whether s is an open handle. It is safe on a nil handle.
func (s *SPI) Valid() bool {
	if s == nil {
		return false
	}
	s.sess.mu.Lock()
	defer s.sess.mu.Unlock()
	return !s.sess.closed
}

// Bus returns the bus index.
func (s *SPI) Bus() int { return int(s.bus) }

// Chip returns the chip select.
func (s *SPI) Chip() int { return int(s.chip) }

// SessionID returns the capture session identifier.
func (s *SPI) SessionID() string { return s.sess.id }

// State returns the transaction state.
func (s *SPI) State() State {
	if s == nil {
		return StateClosed
	}
	return s.sess.State()
}

func (s *SPI) opError(op string, seq uint16, err error) error {
	return &OpError{Op: op, Bus: int(s.bus), Chip: int(s.chip), Seq: seq, Err: err}
}

// Acquire requests exclusive ownership of the bus. Acquiring a bus the
// handle already owns succeeds.
func (s *SPI) Acquire(ctx context.Context) error {
	s.sess.mu.Lock()
	defer s.sess.mu.Unlock()
	return s.acquire(ctx)
}

func (s *SPI) acquire(ctx context.Context) error {
	s.sess.setState(StateAcquireSent, "acquire")
	req := &wire.Message{Type: wire.TypeSPIAcquire, Bus: s.bus, Chip: s.chip}
	resp, err := s.sess.roundTrip(ctx, req, s.sess.config.MaxRetransmits)
	if err != nil {
		s.sess.setState(StateIdle, "acquire failed")
		return s.opError("acquire", req.Seq, err)
	}
	st, err := expectStatus(resp)
	if err != nil {
		s.sess.setState(StateIdle, "acquire failed")
		return s.opError("acquire", req.Seq, err)
	}

	switch st {
	case wire.StatusOK:
		s.sess.setState(StateBusGranted, "acquire")
		return nil
	case wire.StatusBusBusy:
		s.sess.setState(StateBusDenied, st.String())
	case wire.StatusInvalidDevice:
		s.sess.setState(StateDeviceInvalid, st.String())
	}
	return s.opError("acquire", req.Seq, statusError(st))
}

// Release relinquishes the bus.
func (s *SPI) Release(ctx context.Context) error {
	s.sess.mu.Lock()
	defer s.sess.mu.Unlock()
	return s.release(ctx, s.sess.config.MaxRetransmits)
}

func (s *SPI) release(ctx context.Context, retransmits int) error {
	req := &wire.Message{Type: wire.TypeSPIRelease, Bus: s.bus}
	resp, err := s.sess.roundTrip(ctx, req, retransmits)
	if err != nil {
		return s.opError("release", req.Seq, err)
	}
	st, err := expectStatus(resp)
	if err != nil {
		return s.opError("release", req.Seq, err)
	}
	s.sess.setState(StateIdle, "release")
	if st != wire.StatusOK {
		return s.opError("release", req.Seq, statusError(st))
	}
	return nil
}

// Transfer acquires the bus and performs a full-duplex transfer of tx,
// returning the bytes clocked in. Data is sent in chunks of at most
// wire.MaxSPIPayload bytes; each chunk must be answered before the next is
// sent. The bus stays acquired afterwards.
func (s *SPI) Transfer(ctx context.Context, tx []byte) ([]byte, error) {
	s.sess.mu.Lock()
	defer s.sess.mu.Unlock()

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}

	s.sess.setState(StateTransferring, "transfer")
	rx := make([]byte, 0, len(tx))
	for off := 0; off < len(tx); off += wire.MaxSPIPayload {
		chunk := tx[off:min(off+wire.MaxSPIPayload, len(tx))]
		req := &wire.Message{Type: wire.TypeSPIXferIn, Bus: s.bus, Data: chunk}
		resp, err := s.sess.roundTrip(ctx, req, s.sess.config.MaxRetransmits)
		if err != nil {
			return nil, s.opError("transfer", req.Seq, err)
		}

		m := resp[0]
		if m.Type == wire.TypeSPIStatus {
			s.sess.setState(StateTransferDenied, m.Status.String())
			return nil, s.opError("transfer", req.Seq, statusError(m.Status))
		}
		if len(m.Data) != len(chunk) {
			return nil, s.opError("transfer", req.Seq,
				fmt.Errorf("%w: %d bytes returned for a %d byte chunk", ErrProtocolViolation, len(m.Data), len(chunk)))
		}
		rx = append(rx, m.Data...)
	}
	s.sess.setState(StateTransferComplete, "transfer")
	return rx, nil
}

// Write transfers data and discards the bytes clocked in.
func (s *SPI) Write(ctx context.Context, data []byte) error {
	_, err := s.Transfer(ctx, data)
	return err
}

// Read clocks out n 0xFF bytes and returns the bytes clocked in.
func (s *SPI) Read(ctx context.Context, n int) ([]byte, error) {
	tx := make([]byte, n)
	for i := range tx {
		tx[i] = 0xFF
	}
	return s.Transfer(ctx, tx)
}

// Close releases the bus if the handle owns it, then closes the session.
// The release is attempted once and its failure is only logged.
func (s *SPI) Close() error {
	if s == nil {
		return nil
	}
	s.sess.mu.Lock()
	defer s.sess.mu.Unlock()

	if s.sess.closed {
		return nil
	}
	if s.sess.State().Owned() {
		ctx, cancel := context.WithTimeout(context.Background(), s.sess.config.ReceiveTimeout)
		if err := s.release(ctx, 0); err != nil {
			s.sess.logger.Warn("release on close failed", "error", err)
		}
		cancel()
	}
	return s.sess.close()
}
