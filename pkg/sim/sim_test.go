package sim

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/halsim/halsim-go/pkg/device"
	"github.com/halsim/halsim-go/pkg/devtable"
	"github.com/halsim/halsim-go/pkg/discovery"
	"github.com/halsim/halsim-go/pkg/log"
	"github.com/halsim/halsim-go/pkg/transport"
	"github.com/halsim/halsim-go/pkg/wire"
)

const testYAML = `
listen: 127.0.0.1:0
queue:
  capacity: 8
executors: 2
lease_timeout: 2s
devices:
  - {bus_type: spi, bus: 0, chip: 0, kind: loopback}
  - bus_type: i2c
    bus: 1
    chip: 0x50
    kind: memory
    options:
      size: 16
      init: [1, 2, 3]
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(testYAML))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:0", cfg.Listen)
	assert.Equal(t, 8, cfg.Queue.Capacity)
	assert.Equal(t, DefaultSlotSize, cfg.Queue.SlotSize)
	assert.Equal(t, 2, cfg.Executors)
	assert.Equal(t, 2*time.Second, cfg.LeaseTimeout)
	require.Len(t, cfg.Devices, 2)
	assert.Equal(t, "i2c", cfg.Devices[1].BusType)
	assert.Equal(t, 0x50, cfg.Devices[1].Chip)
	assert.Equal(t, device.KindMemory, cfg.Devices[1].Kind)
	require.NoError(t, cfg.Validate())
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestParseConfigUnknownField(t *testing.T) {
	_, err := ParseConfig([]byte("listen: \":9000\"\nlisten_addr: x\n"))
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testYAML), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Devices, 2)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"zero capacity", func(c *Config) { c.Queue.Capacity = 0 }},
		{"small slots", func(c *Config) { c.Queue.SlotSize = wire.MaxMessageSize }},
		{"no executors", func(c *Config) { c.Executors = 0 }},
		{"negative lease", func(c *Config) { c.LeaseTimeout = -time.Second }},
		{"no devices", func(c *Config) { c.Devices = nil }},
		{"bad bus type", func(c *Config) { c.Devices[0].BusType = "uart" }},
		{"bus range", func(c *Config) { c.Devices[0].Bus = 256 }},
		{"spi chip range", func(c *Config) { c.Devices[0].Chip = 256 }},
		{"missing kind", func(c *Config) { c.Devices[0].Kind = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	cfg := DefaultConfig()
	cfg.Devices[0] = DeviceConfig{BusType: "i2c", Chip: 0x3FF, Kind: device.KindMemory}
	assert.NoError(t, cfg.Validate(), "10-bit I2C addresses are accepted")
}

func TestNewUnknownKind(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Devices[0].Kind = "fpga"
	_, err := New(cfg, Options{})
	assert.ErrorIs(t, err, device.ErrUnknownKind)
}

type stubAdvertiser struct{ mock.Mock }

func (s *stubAdvertiser) Advertise(ctx context.Context, info discovery.Info) error {
	return s.Called(info).Error(0)
}

func (s *stubAdvertiser) Stop() { s.Called() }

type captureCounter struct {
	ch chan log.Event
}

func (c *captureCounter) Log(e log.Event) {
	select {
	case c.ch <- e:
	default:
	}
}

func startSim(t *testing.T, cfg Config, opts Options) *Simulator {
	t.Helper()
	s, err := New(cfg, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("simulator did not stop")
		}
	})

	select {
	case <-s.Ready():
	case err := <-done:
		t.Fatalf("simulator exited: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("simulator not ready")
	}
	return s
}

func dial(t *testing.T, s *Simulator) *transport.Conn {
	t.Helper()
	c, err := transport.Dial(context.Background(), s.Addr().String(), transport.Config{ReceiveTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func exchange(t *testing.T, c *transport.Conn, req *wire.Message, n int) []*wire.Message {
	t.Helper()
	frame, err := wire.Encode(req)
	require.NoError(t, err)
	require.NoError(t, c.Send(frame))

	var out []*wire.Message
	for range n {
		data, err := c.Receive(time.Second)
		require.NoError(t, err)
		m, err := wire.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, req.Seq, m.Seq)
		out = append(out, m)
	}
	return out
}

func testConfig(t *testing.T) Config {
	cfg, err := ParseConfig([]byte(testYAML))
	require.NoError(t, err)
	return cfg
}

func TestRunServesRequests(t *testing.T) {
	s := startSim(t, testConfig(t), Options{})
	a := dial(t, s)
	b := dial(t, s)

	resp := exchange(t, a, &wire.Message{Type: wire.TypeSPIAcquire, Seq: 1, Bus: 0, Chip: 0}, 1)
	assert.Equal(t, wire.StatusOK, resp[0].Status)

	resp = exchange(t, b, &wire.Message{Type: wire.TypeSPIAcquire, Seq: 1, Bus: 0, Chip: 0}, 1)
	assert.Equal(t, wire.StatusBusBusy, resp[0].Status)

	resp = exchange(t, a, &wire.Message{Type: wire.TypeSPIXferIn, Seq: 2, Bus: 0, Data: []byte{9, 8, 7}}, 1)
	assert.Equal(t, wire.TypeSPIXferOut, resp[0].Type)
	assert.Equal(t, []byte{9, 8, 7}, resp[0].Data)

	st, ok := s.Arbiter().State(devtable.SPI, 0)
	require.True(t, ok)
	assert.True(t, st.Owned)
	assert.Equal(t, a.LocalAddr().String(), st.Owner)

	exchange(t, b, &wire.Message{Type: wire.TypeI2CStart, Seq: 2, Bus: 1, Address: 0x50}, 1)
	exchange(t, b, &wire.Message{Type: wire.TypeI2CWrite, Seq: 3, Bus: 1, Data: []byte{0x01}}, 1)
	resp = exchange(t, b, &wire.Message{Type: wire.TypeI2CRead, Seq: 4, Bus: 1, Size: 2}, 2)
	assert.Equal(t, wire.TypeI2CStatus, resp[0].Type)
	assert.Equal(t, wire.TypeI2CReadData, resp[1].Type)
	assert.Equal(t, []byte{2, 3}, resp[1].Data)
}

func TestRunDropsMalformedDatagrams(t *testing.T) {
	s := startSim(t, testConfig(t), Options{})
	c := dial(t, s)

	require.NoError(t, c.Send([]byte{0xEE, 0, 0, 1}))
	_, err := c.Receive(100 * time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrTimeout)

	resp := exchange(t, c, &wire.Message{Type: wire.TypeSPIRelease, Seq: 5, Bus: 0}, 1)
	assert.Equal(t, wire.StatusBusNotAcquired, resp[0].Status)
}

func TestRunAdvertises(t *testing.T) {
	adv := &stubAdvertiser{}
	adv.On("Advertise", mock.MatchedBy(func(info discovery.Info) bool {
		return info.Instance == "bench" && info.Port > 0 && info.Buses == 2
	})).Return(nil)
	stopped := make(chan struct{})
	adv.On("Stop").Run(func(mock.Arguments) { close(stopped) }).Return()

	cfg := testConfig(t)
	cfg.Advertise = true
	cfg.Instance = "bench"

	ctx, cancel := context.WithCancel(context.Background())
	s, err := New(cfg, Options{Advertiser: adv})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	<-s.Ready()
	cancel()
	require.NoError(t, <-done)
	<-stopped
	adv.AssertExpectations(t)
}

func TestRunAdvertiseFailure(t *testing.T) {
	adv := &stubAdvertiser{}
	adv.On("Advertise", mock.Anything).Return(errors.New("no multicast"))

	cfg := testConfig(t)
	cfg.Advertise = true
	s, err := New(cfg, Options{Advertiser: adv})
	require.NoError(t, err)

	err = s.Run(context.Background())
	assert.ErrorContains(t, err, "advertise")
	assert.ErrorIs(t, s.Run(context.Background()), ErrAlreadyRun)
}

func TestRunCapture(t *testing.T) {
	capture := &captureCounter{ch: make(chan log.Event, 64)}
	path := filepath.Join(t.TempDir(), "sim.hlog")

	cfg := testConfig(t)
	cfg.CaptureFile = path
	s := startSim(t, cfg, Options{Capture: capture})
	c := dial(t, s)
	exchange(t, c, &wire.Message{Type: wire.TypeSPIAcquire, Seq: 1}, 1)

	var sawMessage bool
	timeout := time.After(time.Second)
	for !sawMessage {
		select {
		case e := <-capture.ch:
			sawMessage = e.Message != nil && e.Message.Type == wire.TypeSPIAcquire
		case <-timeout:
			t.Fatal("no message capture")
		}
	}
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}
