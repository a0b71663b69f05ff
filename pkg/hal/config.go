package hal

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/halsim/halsim-go/pkg/devtable"
	"github.com/halsim/halsim-go/pkg/log"
	"github.com/halsim/halsim-go/pkg/retry"
	"github.com/halsim/halsim-go/pkg/transport"
)

// Client defaults.
const (
	DefaultReceiveTimeout = 1 * time.Second
	DefaultMaxRetransmits = 3
)

// DialFunc opens the datagram session to a simulator.
type DialFunc func(ctx context.Context, address string, cfg transport.Config) (transport.ClientConnection, error)

// Config configures a bus handle.
type Config struct {
	// Table is the device table. When nil it is loaded from TablePath, or
	// from devtable.DefaultPath() when TablePath is empty.
	Table     *devtable.Table
	TablePath string

	// ReceiveTimeout bounds each wait for a response (default 1s).
	ReceiveTimeout time.Duration

	// MaxRetransmits is the number of times a request is resent after a
	// receive timeout (default 3; negative disables retransmission).
	MaxRetransmits int

	// Backoff spaces retransmissions.
	Backoff retry.Config

	// Logger for operational messages (default slog.Default()).
	Logger *slog.Logger

	// Capture records frames, messages and state changes (optional).
	Capture log.Logger

	// Dial overrides the transport.
	Dial DialFunc
}

func (c Config) withDefaults() Config {
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
	switch {
	case c.MaxRetransmits == 0:
		c.MaxRetransmits = DefaultMaxRetransmits
	case c.MaxRetransmits < 0:
		c.MaxRetransmits = 0
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Dial == nil {
		c.Dial = func(ctx context.Context, address string, cfg transport.Config) (transport.ClientConnection, error) {
			return transport.Dial(ctx, address, cfg)
		}
	}
	return c
}

func (c Config) table() (*devtable.Table, error) {
	if c.Table != nil {
		return c.Table, nil
	}
	path := c.TablePath
	if path == "" {
		path = devtable.DefaultPath()
	}
	t, err := devtable.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load device table: %w", err)
	}
	return t, nil
}

// resolve finds the table entry for the resolved (bus, chip). maxChip bounds
// the chip or address field of the wire format.
func resolve(cfg Config, bt devtable.BusType, name string, bus, chip *int, maxChip int) (devtable.Entry, error) {
	b, c := devtable.Resolve(name, bus, chip)
	if b < 0 || b > math.MaxUint8 || c < 0 || c > maxChip {
		return devtable.Entry{}, fmt.Errorf("%w: %s%d.%d out of range", ErrDeviceNotFound, bt, b, c)
	}
	table, err := cfg.table()
	if err != nil {
		return devtable.Entry{}, err
	}
	e, ok := table.Lookup(bt, b, c)
	if !ok {
		return devtable.Entry{}, fmt.Errorf("%w: %s%d.%d", ErrDeviceNotFound, bt, b, c)
	}
	return e, nil
}
