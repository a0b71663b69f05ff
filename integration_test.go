package halsim_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halsim/halsim-go/pkg/devtable"
	"github.com/halsim/halsim-go/pkg/hal"
	"github.com/halsim/halsim-go/pkg/log"
	"github.com/halsim/halsim-go/pkg/retry"
	"github.com/halsim/halsim-go/pkg/sim"
)

const benchYAML = `
listen: 127.0.0.1:0
executors: 2
devices:
  - {bus_type: spi, bus: 0, chip: 0, kind: loopback}
  - {bus_type: spi, bus: 0, chip: 1, kind: memory}
  - {bus_type: i2c, bus: 1, chip: 0x50, kind: memory, options: {size: 64}}
`

type bench struct {
	sim    *sim.Simulator
	config hal.Config
}

func startBench(t *testing.T, modify func(*sim.Config)) *bench {
	t.Helper()
	cfg, err := sim.ParseConfig([]byte(benchYAML))
	require.NoError(t, err)
	if modify != nil {
		modify(&cfg)
	}

	s, err := sim.New(cfg, sim.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("simulator did not stop")
		}
	})

	select {
	case <-s.Ready():
	case err := <-done:
		t.Fatalf("simulator exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("simulator not ready")
	}

	port := s.Addr().(*net.UDPAddr).Port
	remote := devtable.Endpoint{Host: "127.0.0.1", Port: port}
	table := &devtable.Table{}
	table.Add(devtable.SPI, devtable.Entry{Bus: 0, Chip: 0, Remote: remote})
	table.Add(devtable.SPI, devtable.Entry{Bus: 0, Chip: 1, Remote: remote})
	table.Add(devtable.I2C, devtable.Entry{Bus: 1, Chip: 0x50, Remote: remote})

	return &bench{
		sim: s,
		config: hal.Config{
			Table:          table,
			ReceiveTimeout: 250 * time.Millisecond,
			Backoff:        retry.Config{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond},
		},
	}
}

func (b *bench) openSPI(t *testing.T, name string) *hal.SPI {
	t.Helper()
	h, err := hal.OpenSPI(context.Background(), hal.SPIID{Name: name}, b.config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func (b *bench) openI2C(t *testing.T, addr int) *hal.I2C {
	t.Helper()
	h, err := hal.OpenI2C(context.Background(), hal.I2CID{Name: "i2c1.0", Address: &addr}, b.config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestE2E_SPILoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	b := startBench(t, nil)
	h := b.openSPI(t, "spi0.0")
	ctx := context.Background()

	tx := make([]byte, 3000)
	for i := range tx {
		tx[i] = byte(i * 7)
	}
	rx, err := h.Transfer(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, tx, rx)
	assert.Equal(t, hal.StateTransferComplete, h.State())

	require.NoError(t, h.Release(ctx))
	st, ok := b.sim.Arbiter().State(devtable.SPI, 0)
	require.True(t, ok)
	assert.False(t, st.Owned)
}

func TestE2E_SPIExclusion(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	b := startBench(t, nil)
	ctx := context.Background()

	a := b.openSPI(t, "spi0.0")
	other := b.openSPI(t, "spi0.1")

	require.NoError(t, a.Acquire(ctx))

	_, err := other.Transfer(ctx, []byte{0x80, 0x01})
	require.Error(t, err)
	assert.ErrorIs(t, err, hal.ErrBusBusy)
	var opErr *hal.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "acquire", opErr.Op)
	assert.Equal(t, hal.StateBusDenied, other.State())

	err = other.Release(ctx)
	assert.ErrorIs(t, err, hal.ErrBusNotAcquired)

	require.NoError(t, a.Close())
	assert.False(t, a.Valid())

	// Chip 1 is a register file: write 0x5A to register 1, then read it.
	_, err = other.Transfer(ctx, []byte{0x80 | 0x01, 0x5A})
	require.NoError(t, err)
	rx, err := other.Transfer(ctx, []byte{0x01, 0x00})
	require.NoError(t, err)
	assert.Equal(t, byte(0x5A), rx[1])
}

func TestE2E_I2CMemory(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	b := startBench(t, nil)
	ctx := context.Background()

	writer := b.openI2C(t, 0x50)
	require.NoError(t, writer.Write(ctx, []byte{0x10, 0xDE, 0xAD, 0xBE, 0xEF}))
	require.NoError(t, writer.Stop(ctx))

	reader := b.openI2C(t, 0x50)
	require.NoError(t, reader.Write(ctx, []byte{0x10}))
	data, err := reader.Read(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, data)

	// The bus stays with the reader until it stops.
	err = writer.Start(ctx, 0x50)
	assert.ErrorIs(t, err, hal.ErrBusBusy)

	err = reader.Start(ctx, 0x51)
	assert.ErrorIs(t, err, hal.ErrDeviceNotFound)
}

func TestE2E_ConcurrentClients(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	b := startBench(t, nil)

	const clients = 6
	const rounds = 5

	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := range clients {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()

			h, err := hal.OpenSPI(ctx, hal.SPIID{Name: "spi0.0"}, b.config)
			if err != nil {
				errs <- err
				return
			}
			defer h.Close()

			for round := 0; round < rounds; {
				tx := bytes.Repeat([]byte{byte(id), byte(round)}, 50)
				rx, err := h.Transfer(ctx, tx)
				if errors.Is(err, hal.ErrBusBusy) {
					time.Sleep(2 * time.Millisecond)
					continue
				}
				if err != nil {
					errs <- fmt.Errorf("client %d: %w", id, err)
					return
				}
				if !bytes.Equal(tx, rx) {
					errs <- fmt.Errorf("client %d round %d: data mismatch", id, round)
					return
				}
				if err := h.Release(ctx); err != nil {
					errs <- fmt.Errorf("client %d release: %w", id, err)
					return
				}
				round++
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestE2E_LeaseTakeover(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	b := startBench(t, func(c *sim.Config) { c.LeaseTimeout = 100 * time.Millisecond })
	ctx := context.Background()

	a := b.openSPI(t, "spi0.0")
	other := b.openSPI(t, "spi0.0")

	require.NoError(t, a.Acquire(ctx))
	assert.ErrorIs(t, other.Acquire(ctx), hal.ErrBusBusy)

	time.Sleep(150 * time.Millisecond)
	require.NoError(t, other.Acquire(ctx))

	_, err := a.Transfer(ctx, []byte{1})
	assert.ErrorIs(t, err, hal.ErrBusBusy)
}

func TestE2E_Capture(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	path := filepath.Join(t.TempDir(), "bench.hlog")

	// Scope the simulator so the capture file is closed before reading.
	t.Run("traffic", func(t *testing.T) {
		b := startBench(t, func(c *sim.Config) { c.CaptureFile = path })
		h := b.openSPI(t, "spi0.0")
		_, err := h.Transfer(context.Background(), []byte{1, 2, 3})
		require.NoError(t, err)
		require.NoError(t, h.Close())
	})

	reader, err := log.NewReader(path)
	require.NoError(t, err)
	defer reader.Close()

	var frames, messages int
	var states []string
	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, log.RoleServer, ev.LocalRole)
		switch {
		case ev.Frame != nil:
			frames++
		case ev.Message != nil:
			messages++
		case ev.StateChange != nil:
			states = append(states, ev.StateChange.NewState+":"+ev.StateChange.Reason)
		}
	}
	// acquire, xfer and release, each with one response.
	assert.Equal(t, 6, frames)
	assert.Equal(t, 6, messages)
	assert.Equal(t, []string{"OWNED:acquire", "FREE:release"}, states)
}
