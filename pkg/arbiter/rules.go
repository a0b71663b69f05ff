package arbiter

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/halsim/halsim-go/pkg/devtable"
	"github.com/halsim/halsim-go/pkg/wire"
)

// client remembers the last answered request of one client so that a
// retransmission is answered without touching the bus again.
type client struct {
	mu sync.Mutex

	valid bool
	seq   uint16
	typ   wire.MessageType
	resp  []*wire.Message

	lastSeen time.Time
}

// Handle applies req on behalf of clientID and returns the responses in
// send order. A request repeating the previous sequence number and type of
// the same client returns the previous responses without re-execution.
//
// Requests of one client are applied one at a time.
func (a *Arbiter) Handle(clientID string, req *wire.Message) ([]*wire.Message, error) {
	if clientID == "" {
		return nil, errors.New("arbiter: empty client id")
	}
	if !req.Type.IsRequest() {
		return nil, fmt.Errorf("%w: %s", ErrNotRequest, req.Type)
	}

	c := a.client(clientID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.valid && c.seq == req.Seq && c.typ == req.Type {
		a.logger.Debug("duplicate request answered from cache", "client", clientID, "seq", req.Seq, "type", req.Type)
		return c.resp, nil
	}

	resp, err := a.apply(clientID, req)
	if err != nil {
		return nil, err
	}
	c.valid, c.seq, c.typ, c.resp = true, req.Seq, req.Type, resp
	return resp, nil
}

// client returns the record for id, evicting the least recently seen client
// when the cache is full.
func (a *Arbiter) client(id string) *client {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if c, ok := a.clients[id]; ok {
		c.lastSeen = now
		return c
	}
	if len(a.clients) >= a.config.MaxClients {
		var oldest string
		var oldestSeen time.Time
		for k, c := range a.clients {
			if oldest == "" || c.lastSeen.Before(oldestSeen) {
				oldest, oldestSeen = k, c.lastSeen
			}
		}
		delete(a.clients, oldest)
	}
	c := &client{lastSeen: now}
	a.clients[id] = c
	return c
}

func (a *Arbiter) apply(clientID string, req *wire.Message) ([]*wire.Message, error) {
	switch req.Type {
	case wire.TypeSPIAcquire:
		return a.status(req, a.acquire(clientID, devtable.SPI, req.Bus, uint16(req.Chip))), nil
	case wire.TypeI2CStart:
		return a.status(req, a.acquire(clientID, devtable.I2C, req.Bus, req.Address)), nil
	case wire.TypeSPIRelease:
		return a.status(req, a.release(clientID, devtable.SPI, req.Bus)), nil
	case wire.TypeI2CStop:
		return a.status(req, a.release(clientID, devtable.I2C, req.Bus)), nil
	case wire.TypeSPIXferIn:
		return a.transfer(clientID, req)
	case wire.TypeI2CWrite:
		return a.write(clientID, req)
	case wire.TypeI2CRead:
		return a.read(clientID, req)
	}
	return nil, fmt.Errorf("%w: %s", ErrNotRequest, req.Type)
}

func (a *Arbiter) status(req *wire.Message, s wire.Status) []*wire.Message {
	return []*wire.Message{wire.NewStatus(req, s)}
}

// acquire handles SPI_ACQUIRE_BUS and I2C_START. The current owner may
// acquire again, selecting another chip on the same bus.
func (a *Arbiter) acquire(clientID string, bt devtable.BusType, index uint8, chip uint16) wire.Status {
	b := a.lookup(bt, index)
	if b == nil {
		return wire.StatusInvalidDevice
	}
	if _, ok := b.devices[chip]; !ok {
		return wire.StatusInvalidDevice
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case !b.owned():
		a.setOwner(b, clientID, chip, "acquire")
	case b.owner == clientID:
		b.chip = chip
		b.lastSeen = a.now()
	case a.leaseExpired(b):
		a.logger.Warn("bus lease expired", "bus_type", bt, "bus", index,
			"owner", b.owner, "idle", a.now().Sub(b.lastSeen), "client", clientID)
		a.setFree(b, "lease expired")
		a.setOwner(b, clientID, chip, "acquire")
	default:
		return wire.StatusBusBusy
	}
	return wire.StatusOK
}

// release handles SPI_RELEASE_BUS and I2C_STOP.
func (a *Arbiter) release(clientID string, bt devtable.BusType, index uint8) wire.Status {
	b := a.lookup(bt, index)
	if b == nil {
		return wire.StatusBusNotAcquired
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case !b.owned():
		return wire.StatusBusNotAcquired
	case b.owner != clientID:
		if bt == devtable.I2C {
			return wire.StatusUnexpectedStop
		}
		return wire.StatusBusNotAcquired
	}
	a.setFree(b, "release")
	return wire.StatusOK
}

// withOwned runs fn with the bus locked when clientID owns it. It reports
// false when the bus is unknown or not owned by clientID.
func (a *Arbiter) withOwned(clientID string, bt devtable.BusType, index uint8, fn func(b *bus) error) (bool, error) {
	b := a.lookup(bt, index)
	if b == nil {
		return false, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.owner != clientID {
		return false, nil
	}
	b.lastSeen = a.now()
	if err := fn(b); err != nil {
		a.logger.Error("device transfer failed", "bus_type", bt, "bus", index, "chip", b.chip, "error", err)
		a.captureError(clientID, bt, err, fmt.Sprintf("transfer on %s%d.%d", bt, index, b.chip))
		return true, fmt.Errorf("%w: %v", ErrDeviceFailed, err)
	}
	return true, nil
}

func (a *Arbiter) transfer(clientID string, req *wire.Message) ([]*wire.Message, error) {
	rx := make([]byte, len(req.Data))
	owned, err := a.withOwned(clientID, devtable.SPI, req.Bus, func(b *bus) error {
		return b.devices[b.chip].Transfer(req.Data, rx)
	})
	if err != nil {
		return nil, err
	}
	if !owned {
		return a.status(req, wire.StatusBusNotAcquired), nil
	}
	return []*wire.Message{{Type: wire.TypeSPIXferOut, Seq: req.Seq, Bus: req.Bus, Data: rx}}, nil
}

func (a *Arbiter) write(clientID string, req *wire.Message) ([]*wire.Message, error) {
	owned, err := a.withOwned(clientID, devtable.I2C, req.Bus, func(b *bus) error {
		return b.devices[b.chip].Transfer(req.Data, nil)
	})
	if err != nil {
		return nil, err
	}
	if !owned {
		return a.status(req, wire.StatusBusNotAcquired), nil
	}
	return a.status(req, wire.StatusOK), nil
}

func (a *Arbiter) read(clientID string, req *wire.Message) ([]*wire.Message, error) {
	rx := make([]byte, req.Size)
	owned, err := a.withOwned(clientID, devtable.I2C, req.Bus, func(b *bus) error {
		return b.devices[b.chip].Transfer(nil, rx)
	})
	if err != nil {
		return nil, err
	}
	if !owned {
		return a.status(req, wire.StatusBusNotAcquired), nil
	}
	return []*wire.Message{
		wire.NewStatus(req, wire.StatusOK),
		{Type: wire.TypeI2CReadData, Seq: req.Seq, Bus: req.Bus, Data: rx},
	}, nil
}

func (a *Arbiter) leaseExpired(b *bus) bool {
	return a.config.LeaseTimeout > 0 && a.now().Sub(b.lastSeen) > a.config.LeaseTimeout
}
