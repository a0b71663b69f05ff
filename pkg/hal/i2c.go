package hal

import (
	"context"
	"fmt"
	"math"

	"github.com/halsim/halsim-go/pkg/devtable"
	"github.com/halsim/halsim-go/pkg/wire"
)

// I2CID identifies an I2C device. Bus and Address, when set, take precedence
// over the values parsed from Name ("i2c<bus>.<address>").
type I2CID struct {
	Name    string
	Bus     *int
	Address *int
}

// I2C is a client handle for one I2C bus, opened through a device on it.
type I2C struct {
	sess *session
	bus  uint8

	// addr is the resolved device; target is the address of the last start.
	addr   uint16
	target uint16
}

// OpenI2C resolves id in the device table and opens a session to the
// simulator serving it. An unknown device returns a nil handle and an error
// wrapping ErrDeviceNotFound.
func OpenI2C(ctx context.Context, id I2CID, cfg Config) (*I2C, error) {
	cfg = cfg.withDefaults()
	e, err := resolve(cfg, devtable.I2C, id.Name, id.Bus, id.Address, math.MaxUint16)
	if err != nil {
		cfg.Logger.Warn("i2c device not resolved", "name", id.Name, "error", err)
		return nil, err
	}
	sess, err := openSession(ctx, cfg, devtable.I2C, e)
	if err != nil {
		return nil, err
	}
	return &I2C{sess: sess, bus: uint8(e.Bus), addr: uint16(e.Chip), target: uint16(e.Chip)}, nil
}

// Valid reports whether d is an open handle. It is safe on a nil handle.
func (d *I2C) Valid() bool {
	if d == nil {
		return false
	}
	d.sess.mu.Lock()
	defer d.sess.mu.Unlock()
	return !d.sess.closed
}

// Bus returns the bus index.
func (d *I2C) Bus() int { return int(d.bus) }

// Address returns the resolved device address.
func (d *I2C) Address() int { return int(d.addr) }

// SessionID returns the capture session identifier.
func (d *I2C) SessionID() string { return d.sess.id }

// State returns the transaction state.
func (d *I2C) State() State {
	if d == nil {
		return StateClosed
	}
	return d.sess.State()
}

func (d *I2C) opError(op string, seq uint16, err error) error {
	return &OpError{Op: op, Bus: int(d.bus), Chip: int(d.target), Seq: seq, Err: err}
}

// Start takes the bus and addresses addr. A start while the handle owns the
// bus is a repeated start and switches the target device.
func (d *I2C) Start(ctx context.Context, addr uint16) error {
	d.sess.mu.Lock()
	defer d.sess.mu.Unlock()
	return d.start(ctx, addr)
}

func (d *I2C) start(ctx context.Context, addr uint16) error {
	d.target = addr
	d.sess.setState(StateAcquireSent, "start")
	req := &wire.Message{Type: wire.TypeI2CStart, Bus: d.bus, Address: addr}
	resp, err := d.sess.roundTrip(ctx, req, d.sess.config.MaxRetransmits)
	if err != nil {
		d.sess.setState(StateIdle, "start failed")
		return d.opError("start", req.Seq, err)
	}
	st, err := expectStatus(resp)
	if err != nil {
		d.sess.setState(StateIdle, "start failed")
		return d.opError("start", req.Seq, err)
	}

	switch st {
	case wire.StatusOK:
		d.sess.setState(StateBusGranted, "start")
		return nil
	case wire.StatusBusBusy:
		d.sess.setState(StateBusDenied, st.String())
	case wire.StatusInvalidDevice:
		d.sess.setState(StateDeviceInvalid, st.String())
	}
	return d.opError("start", req.Seq, statusError(st))
}

// Stop releases the bus.
func (d *I2C) Stop(ctx context.Context) error {
	d.sess.mu.Lock()
	defer d.sess.mu.Unlock()
	return d.stop(ctx, d.sess.config.MaxRetransmits)
}

func (d *I2C) stop(ctx context.Context, retransmits int) error {
	req := &wire.Message{Type: wire.TypeI2CStop, Bus: d.bus}
	resp, err := d.sess.roundTrip(ctx, req, retransmits)
	if err != nil {
		return d.opError("stop", req.Seq, err)
	}
	st, err := expectStatus(resp)
	if err != nil {
		return d.opError("stop", req.Seq, err)
	}
	d.sess.setState(StateIdle, "stop")
	if st != wire.StatusOK {
		return d.opError("stop", req.Seq, statusError(st))
	}
	return nil
}

// ensureStarted starts the bus with the current target unless the handle
// already owns it.
func (d *I2C) ensureStarted(ctx context.Context) error {
	if d.sess.State().Owned() {
		return nil
	}
	return d.start(ctx, d.target)
}

// Write sends data to the current target in chunks of at most
// wire.MaxI2CWrite bytes, each acknowledged by a status. The bus is started
// first if the handle does not own it.
func (d *I2C) Write(ctx context.Context, data []byte) error {
	d.sess.mu.Lock()
	defer d.sess.mu.Unlock()

	if err := d.ensureStarted(ctx); err != nil {
		return err
	}

	d.sess.setState(StateTransferring, "write")
	for off := 0; off == 0 || off < len(data); off += wire.MaxI2CWrite {
		chunk := data[off:min(off+wire.MaxI2CWrite, len(data))]
		req := &wire.Message{Type: wire.TypeI2CWrite, Bus: d.bus, Data: chunk}
		resp, err := d.sess.roundTrip(ctx, req, d.sess.config.MaxRetransmits)
		if err != nil {
			return d.opError("write", req.Seq, err)
		}
		st, err := expectStatus(resp)
		if err != nil {
			return d.opError("write", req.Seq, err)
		}
		if st != wire.StatusOK {
			d.sess.setState(StateTransferDenied, st.String())
			return d.opError("write", req.Seq, statusError(st))
		}
	}
	d.sess.setState(StateTransferComplete, "write")
	return nil
}

// Read reads n bytes from the current target in chunks of at most
// wire.MaxI2CRead bytes. Each chunk is answered by a status and then the
// data. The bus is started first if the handle does not own it.
func (d *I2C) Read(ctx context.Context, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative read size %d", n)
	}

	d.sess.mu.Lock()
	defer d.sess.mu.Unlock()

	if err := d.ensureStarted(ctx); err != nil {
		return nil, err
	}

	d.sess.setState(StateTransferring, "read")
	out := make([]byte, 0, n)
	for len(out) < n {
		size := min(n-len(out), wire.MaxI2CRead)
		req := &wire.Message{Type: wire.TypeI2CRead, Bus: d.bus, Size: uint16(size)}
		resp, err := d.sess.roundTrip(ctx, req, d.sess.config.MaxRetransmits)
		if err != nil {
			return nil, d.opError("read", req.Seq, err)
		}
		st, err := expectStatus(resp)
		if err != nil {
			return nil, d.opError("read", req.Seq, err)
		}
		if st != wire.StatusOK {
			d.sess.setState(StateTransferDenied, st.String())
			return nil, d.opError("read", req.Seq, statusError(st))
		}
		data := resp[1].Data
		if len(data) != size {
			return nil, d.opError("read", req.Seq,
				fmt.Errorf("%w: %d bytes returned for a %d byte read", ErrProtocolViolation, len(data), size))
		}
		out = append(out, data...)
	}
	d.sess.setState(StateTransferComplete, "read")
	return out, nil
}

// Close stops the bus if the handle owns it, then closes the session. The
// stop is attempted once and its failure is only logged.
func (d *I2C) Close() error {
	if d == nil {
		return nil
	}
	d.sess.mu.Lock()
	defer d.sess.mu.Unlock()

	if d.sess.closed {
		return nil
	}
	if d.sess.State().Owned() {
		ctx, cancel := context.WithTimeout(context.Background(), d.sess.config.ReceiveTimeout)
		if err := d.stop(ctx, 0); err != nil {
			d.sess.logger.Warn("stop on close failed", "error", err)
		}
		cancel()
	}
	return d.sess.close()
}
