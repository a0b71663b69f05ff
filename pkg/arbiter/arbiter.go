// Package arbiter applies client requests to the simulated buses.
//
// Each (bus type, bus index) pair is either free or owned by exactly one
// client. Requests are decoded wire messages tagged with the client identity
// the transport assigned; the arbiter answers with the response messages the
// protocol pairs with each request.
//
//	Free      --Acquire(A)-->  Owned(A)   OK
//	Owned(A)  --Acquire(A)-->  Owned(A)   OK
//	Owned(A)  --Acquire(B)-->  Owned(A)   BUS_BUSY
//	Owned(A)  --Release(A)-->  Free       OK
//	Free      --Release(*)-->  Free       BUS_NOT_ACQUIRED
//	Free      --Xfer(*)--->    Free       BUS_NOT_ACQUIRED
//
// I2C follows the same shape with START and STOP in place of acquire and
// release; STOP from a non-owner answers UNEXPECTED_STOP.
package arbiter

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/halsim/halsim-go/pkg/device"
	"github.com/halsim/halsim-go/pkg/devtable"
	"github.com/halsim/halsim-go/pkg/log"
	"github.com/halsim/halsim-go/pkg/wire"
)

// DefaultMaxClients bounds the duplicate-response cache.
const DefaultMaxClients = 1024

var (
	// ErrNotRequest indicates a message type a client may not send.
	ErrNotRequest = errors.New("arbiter: not a request")

	// ErrDuplicateDevice indicates two devices on one (bus, chip).
	ErrDuplicateDevice = errors.New("arbiter: duplicate device")

	// ErrDeviceFailed indicates a handler transfer error. No response is
	// produced so the client retransmits.
	ErrDeviceFailed = errors.New("arbiter: device transfer failed")
)

// Device attaches a handler to a bus location.
type Device struct {
	BusType devtable.BusType
	Bus     uint8

	// Chip is the SPI chip select or the I2C address.
	Chip uint16

	Handler device.Handler
}

// Config configures an Arbiter.
type Config struct {
	Devices []Device

	// LeaseTimeout, when positive, lets a contending client take a bus whose
	// owner has been silent for longer than the lease.
	LeaseTimeout time.Duration

	// MaxClients bounds the number of clients whose last response is kept.
	MaxClients int

	// Now overrides the clock.
	Now func() time.Time

	Logger  *slog.Logger
	Capture log.Logger
}

type busKey struct {
	typ devtable.BusType
	bus uint8
}

// bus is the ownership record of one physical bus.
type bus struct {
	mu      sync.Mutex
	key     busKey
	devices map[uint16]device.Handler

	owner    string
	chip     uint16
	lastSeen time.Time
}

func (b *bus) owned() bool { return b.owner != "" }

// BusState is a snapshot of one bus.
type BusState struct {
	Owned    bool
	Owner    string
	Chip     uint16
	LastSeen time.Time
}

// Arbiter enforces bus ownership and dispatches transfers to devices.
type Arbiter struct {
	config  Config
	logger  *slog.Logger
	capture log.Logger
	now     func() time.Time

	buses map[busKey]*bus

	mu      sync.Mutex
	clients map[string]*client
	started bool
}

// New creates an arbiter for the configured devices.
func New(cfg Config) (*Arbiter, error) {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultMaxClients
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	a := &Arbiter{
		config:  cfg,
		logger:  logger,
		capture: log.OrNoop(cfg.Capture),
		now:     now,
		buses:   make(map[busKey]*bus),
		clients: make(map[string]*client),
	}

	for _, d := range cfg.Devices {
		if d.Handler == nil {
			return nil, fmt.Errorf("arbiter: %s%d.%d has no handler", d.BusType, d.Bus, d.Chip)
		}
		key := busKey{d.BusType, d.Bus}
		b, ok := a.buses[key]
		if !ok {
			b = &bus{key: key, devices: make(map[uint16]device.Handler)}
			a.buses[key] = b
		}
		if _, dup := b.devices[d.Chip]; dup {
			return nil, fmt.Errorf("%w: %s%d.%d", ErrDuplicateDevice, d.BusType, d.Bus, d.Chip)
		}
		b.devices[d.Chip] = d.Handler
	}
	return a, nil
}

// Start starts every device handler.
func (a *Arbiter) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	for key, b := range a.buses {
		for chip, h := range b.devices {
			if err := h.Start(); err != nil {
				return fmt.Errorf("start %s%d.%d: %w", key.typ, key.bus, chip, err)
			}
		}
	}
	a.started = true
	a.logger.Info("arbiter started", "buses", len(a.buses))
	return nil
}

// Stop stops every device handler and frees every bus.
func (a *Arbiter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.started = false

	var errs []error
	for key, b := range a.buses {
		b.mu.Lock()
		if b.owned() {
			a.setFree(b, "shutdown")
		}
		b.mu.Unlock()
		for chip, h := range b.devices {
			if err := h.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop %s%d.%d: %w", key.typ, key.bus, chip, err))
			}
		}
	}
	return errors.Join(errs...)
}

// BusCount returns the number of buses with at least one device.
func (a *Arbiter) BusCount() int {
	return len(a.buses)
}

// State returns the ownership state of a bus. ok is false for a bus with
// no devices.
func (a *Arbiter) State(bt devtable.BusType, index uint8) (BusState, bool) {
	b, ok := a.buses[busKey{bt, index}]
	if !ok {
		return BusState{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return BusState{Owned: b.owned(), Owner: b.owner, Chip: b.chip, LastSeen: b.lastSeen}, true
}

func (a *Arbiter) lookup(bt devtable.BusType, index uint8) *bus {
	return a.buses[busKey{bt, index}]
}

func (a *Arbiter) setOwner(b *bus, client string, chip uint16, reason string) {
	old := "FREE"
	if b.owned() {
		old = "OWNED"
	}
	b.owner = client
	b.chip = chip
	b.lastSeen = a.now()
	a.logger.Debug("bus owned", "bus_type", b.key.typ, "bus", b.key.bus, "client", client, "chip", chip)
	a.captureState(b, client, old, "OWNED", reason)
}

func (a *Arbiter) setFree(b *bus, reason string) {
	client := b.owner
	b.owner = ""
	b.chip = 0
	a.logger.Debug("bus free", "bus_type", b.key.typ, "bus", b.key.bus, "client", client, "reason", reason)
	a.captureState(b, client, "OWNED", "FREE", reason)
}

func (a *Arbiter) captureState(b *bus, client, oldState, newState, reason string) {
	index := b.key.bus
	a.capture.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: client,
		Layer:     log.LayerBus,
		Category:  log.CategoryState,
		LocalRole: log.RoleServer,
		BusType:   b.key.typ.String(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityBus,
			Bus:      &index,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	})
}

func (a *Arbiter) captureError(client string, bt devtable.BusType, err error, context string) {
	a.capture.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: client,
		Layer:     log.LayerBus,
		Category:  log.CategoryError,
		LocalRole: log.RoleServer,
		BusType:   bt.String(),
		Error: &log.ErrorEventData{
			Layer:   log.LayerBus,
			Message: err.Error(),
			Context: context,
		},
	})
}

func busTypeOf(t wire.MessageType) devtable.BusType {
	if t.IsI2C() {
		return devtable.I2C
	}
	return devtable.SPI
}
