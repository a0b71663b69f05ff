package sim

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/halsim/halsim-go/pkg/arbiter"
	"github.com/halsim/halsim-go/pkg/device"
	"github.com/halsim/halsim-go/pkg/devtable"
)

// Defaults.
const (
	DefaultListen    = ":9000"
	DefaultSlotSize  = 2048
	DefaultExecutors = 1

	// MaxClientIDLen bounds the client identity carried in each envelope. A
	// client is identified by its UDP source address.
	MaxClientIDLen = 64
)

// ErrInvalidConfig indicates a configuration that cannot be run.
var ErrInvalidConfig = errors.New("sim: invalid config")

// Config is the simulator configuration file.
type Config struct {
	// Listen is the UDP address to serve on.
	Listen string `yaml:"listen"`

	Queue QueueConfig `yaml:"queue"`

	// Executors is the number of goroutines applying queued commands.
	Executors int `yaml:"executors"`

	// LeaseTimeout lets a contending client take a bus from a silent owner.
	// Zero disables leases.
	LeaseTimeout time.Duration `yaml:"lease_timeout"`

	// CaptureFile, if set, receives a CBOR protocol capture.
	CaptureFile string `yaml:"capture_file"`

	// Advertise registers the simulator via mDNS.
	Advertise bool `yaml:"advertise"`

	// Instance is the advertised instance name (default halsim-<host>).
	Instance string `yaml:"instance"`

	Devices []DeviceConfig `yaml:"devices"`
}

// QueueConfig sizes the command queue.
type QueueConfig struct {
	Capacity int `yaml:"capacity"`
	SlotSize int `yaml:"slot_size"`
}

// DeviceConfig attaches one device handler to a bus location.
type DeviceConfig struct {
	BusType string         `yaml:"bus_type"`
	Bus     int            `yaml:"bus"`
	Chip    int            `yaml:"chip"`
	Kind    string         `yaml:"kind"`
	Options device.Options `yaml:"options"`
}

// DefaultConfig returns a configuration with one loopback device on spi0.0.
func DefaultConfig() Config {
	return Config{
		Listen: DefaultListen,
		Queue: QueueConfig{
			Capacity: 128,
			SlotSize: DefaultSlotSize,
		},
		Executors: DefaultExecutors,
		Devices: []DeviceConfig{
			{BusType: "spi", Bus: 0, Chip: 0, Kind: device.KindLoopback},
		},
	}
}

// LoadConfig reads a YAML configuration. Fields missing from the file keep
// their DefaultConfig values, except devices which are replaced when given.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML configuration. Unknown keys are rejected.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	cfg.Devices = nil

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Devices == nil {
		cfg.Devices = DefaultConfig().Devices
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("%w: listen address is required", ErrInvalidConfig)
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("%w: queue capacity must be positive", ErrInvalidConfig)
	}
	if need := arbiter.MaxEnvelopeSize(MaxClientIDLen); c.Queue.SlotSize < need {
		return fmt.Errorf("%w: slot size %d below %d", ErrInvalidConfig, c.Queue.SlotSize, need)
	}
	if c.Executors <= 0 {
		return fmt.Errorf("%w: executors must be positive", ErrInvalidConfig)
	}
	if c.LeaseTimeout < 0 {
		return fmt.Errorf("%w: negative lease timeout", ErrInvalidConfig)
	}
	if len(c.Devices) == 0 {
		return fmt.Errorf("%w: no devices", ErrInvalidConfig)
	}
	for i, d := range c.Devices {
		bt, err := devtable.ParseBusType(d.BusType)
		if err != nil {
			return fmt.Errorf("%w: devices[%d]: %v", ErrInvalidConfig, i, err)
		}
		if d.Bus < 0 || d.Bus > 255 {
			return fmt.Errorf("%w: devices[%d]: bus %d out of range", ErrInvalidConfig, i, d.Bus)
		}
		maxChip := 255
		if bt == devtable.I2C {
			maxChip = 0xFFFF
		}
		if d.Chip < 0 || d.Chip > maxChip {
			return fmt.Errorf("%w: devices[%d]: chip %d out of range", ErrInvalidConfig, i, d.Chip)
		}
		if d.Kind == "" {
			return fmt.Errorf("%w: devices[%d]: kind is required", ErrInvalidConfig, i)
		}
	}
	return nil
}

