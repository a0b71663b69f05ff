// Package devtable maps (bus, chip) pairs to the simulator endpoint that
// serves them.
//
// A table is read from a YAML or TOML document that is flattened into dotted
// keys before interpretation, so nested and flat spellings are equivalent:
//
//	spi:
//	  count: 1
//	  0: {bus: 2, chip: 1, remote: {host: 127.0.0.1, port: 9000}}
//
//	spi.count: 1
//	spi.0.bus: 2
//	spi.0.chip: 1
//	spi.0.remote.host: 127.0.0.1
//	spi.0.remote.port: 9000
package devtable

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
)

// EnvPath names the environment variable that overrides DefaultPath.
const EnvPath = "HALCLIENT_CONFIG"

// DefaultFile is the table file used when EnvPath is unset.
const DefaultFile = "halclient.yaml"

var (
	// ErrUnknownFormat indicates a file extension other than YAML or TOML.
	ErrUnknownFormat = errors.New("devtable: unknown file format")

	// ErrInvalidEntry indicates an entry with missing or out of range fields.
	ErrInvalidEntry = errors.New("devtable: invalid entry")
)

// BusType selects the table section.
type BusType uint8

const (
	SPI BusType = iota
	I2C
)

// String returns the section name.
func (b BusType) String() string {
	switch b {
	case SPI:
		return "spi"
	case I2C:
		return "i2c"
	default:
		return "unknown"
	}
}

// ParseBusType parses a section name.
func ParseBusType(s string) (BusType, error) {
	switch s {
	case "spi", "SPI":
		return SPI, nil
	case "i2c", "I2C":
		return I2C, nil
	}
	return 0, fmt.Errorf("devtable: unknown bus type %q", s)
}

// Endpoint is a simulator address.
type Endpoint struct {
	Host string
	Port int
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Entry is one table row. For I2C, Chip holds the device address.
type Entry struct {
	Bus    int
	Chip   int
	Remote Endpoint
}

// Table holds the entries of both sections in file order.
type Table struct {
	SPI []Entry
	I2C []Entry
}

// Entries returns the section for bt.
func (t *Table) Entries(bt BusType) []Entry {
	if t == nil {
		return nil
	}
	if bt == I2C {
		return t.I2C
	}
	return t.SPI
}

// Add appends an entry to the section for bt.
func (t *Table) Add(bt BusType, e Entry) {
	if bt == I2C {
		t.I2C = append(t.I2C, e)
		return
	}
	t.SPI = append(t.SPI, e)
}

// Lookup returns the first entry of section bt matching bus and chip.
func (t *Table) Lookup(bt BusType, bus, chip int) (Entry, bool) {
	for _, e := range t.Entries(bt) {
		if e.Bus == bus && e.Chip == chip {
			return e, true
		}
	}
	return Entry{}, false
}

// DefaultPath returns $HALCLIENT_CONFIG, or DefaultFile when unset.
func DefaultPath() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return DefaultFile
}
