// Package sim runs the bus simulator: a UDP server whose datagrams pass
// through the command queue to the arbiter, which applies them to the
// configured device handlers.
//
//	datagram -> Envelope{client, data} -> cmdqueue.Submit
//	         -> arbiter.Execute -> Reply{frames} -> one datagram per frame
package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/halsim/halsim-go/pkg/arbiter"
	"github.com/halsim/halsim-go/pkg/cmdqueue"
	"github.com/halsim/halsim-go/pkg/device"
	"github.com/halsim/halsim-go/pkg/devtable"
	"github.com/halsim/halsim-go/pkg/discovery"
	"github.com/halsim/halsim-go/pkg/log"
	"github.com/halsim/halsim-go/pkg/transport"
	"github.com/halsim/halsim-go/pkg/wire"
)

// ErrAlreadyRun indicates a second call to Run.
var ErrAlreadyRun = errors.New("sim: already run")

// Advertiser publishes the simulator on the network.
type Advertiser interface {
	Advertise(ctx context.Context, info discovery.Info) error
	Stop()
}

var _ Advertiser = (*discovery.Advertiser)(nil)

// Options carries the runtime dependencies of a Simulator.
type Options struct {
	// Registry resolves device kinds (default: device.DefaultRegistry()).
	Registry *device.Registry

	// Logger for operational messages (default: discard).
	Logger *slog.Logger

	// Capture receives protocol events in addition to Config.CaptureFile.
	Capture log.Logger

	// Advertiser publishes the simulator when Config.Advertise is set
	// (default: a discovery.Advertiser on all interfaces).
	Advertiser Advertiser
}

// Simulator is a configured, runnable bus simulator.
type Simulator struct {
	config  Config
	logger  *slog.Logger
	capture log.Logger
	file    *log.FileLogger

	arbiter *arbiter.Arbiter
	queue   *cmdqueue.Queue
	server  *transport.Server

	advertiser Advertiser

	ran   atomic.Bool
	ready chan struct{}

	mu   sync.Mutex
	addr net.Addr
}

// New validates cfg and builds the simulator. No socket is opened until Run.
func New(cfg Config, opts Options) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Registry == nil {
		opts.Registry = device.DefaultRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Simulator{
		config: cfg,
		logger: logger,
		ready:  make(chan struct{}),

		advertiser: opts.Advertiser,
	}

	var sinks []log.Logger
	if opts.Capture != nil {
		sinks = append(sinks, opts.Capture)
	}
	if cfg.CaptureFile != "" {
		f, err := log.NewFileLogger(cfg.CaptureFile)
		if err != nil {
			return nil, fmt.Errorf("open capture file: %w", err)
		}
		s.file = f
		sinks = append(sinks, f)
	}
	s.capture = log.NewMultiLogger(sinks...)

	devices, err := buildDevices(cfg.Devices, opts.Registry)
	if err != nil {
		s.closeCapture()
		return nil, err
	}

	s.arbiter, err = arbiter.New(arbiter.Config{
		Devices:      devices,
		LeaseTimeout: cfg.LeaseTimeout,
		Logger:       logger.With("component", "arbiter"),
		Capture:      s.capture,
	})
	if err != nil {
		s.closeCapture()
		return nil, err
	}

	s.queue = cmdqueue.New(cmdqueue.Config{
		Capacity: cfg.Queue.Capacity,
		SlotSize: cfg.Queue.SlotSize,
	})

	s.server, err = transport.NewServer(transport.ServerConfig{
		Address:        cfg.Listen,
		MaxMessageSize: wire.MaxMessageSize,
		MaxInflight:    cfg.Queue.Capacity,
		Capture:        s.capture,
		Logger:         logger.With("component", "transport"),
		OnMessage:      s.handleDatagram,
	})
	if err != nil {
		s.closeCapture()
		return nil, err
	}
	return s, nil
}

func buildDevices(cfgs []DeviceConfig, reg *device.Registry) ([]arbiter.Device, error) {
	devices := make([]arbiter.Device, 0, len(cfgs))
	for i, dc := range cfgs {
		bt, err := devtable.ParseBusType(dc.BusType)
		if err != nil {
			return nil, fmt.Errorf("devices[%d]: %w", i, err)
		}
		h, err := reg.New(dc.Kind, dc.Options)
		if err != nil {
			return nil, fmt.Errorf("devices[%d]: %w", i, err)
		}
		devices = append(devices, arbiter.Device{
			BusType: bt,
			Bus:     uint8(dc.Bus),
			Chip:    uint16(dc.Chip),
			Handler: h,
		})
	}
	return devices, nil
}

// Run serves until ctx is done. It may be called once; the capture file is
// closed when it returns.
func (s *Simulator) Run(ctx context.Context) error {
	if s.ran.Swap(true) {
		return ErrAlreadyRun
	}
	defer s.closeCapture()

	if err := s.arbiter.Start(); err != nil {
		return err
	}
	defer func() {
		if err := s.arbiter.Stop(); err != nil {
			s.logger.Warn("device shutdown failed", "error", err)
		}
	}()

	if err := s.server.Start(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = s.server.Addr()
	s.mu.Unlock()

	if s.config.Advertise {
		if err := s.advertise(ctx); err != nil {
			_ = s.server.Stop()
			return err
		}
	}

	s.logger.Info("simulator running",
		"addr", s.Addr().String(),
		"buses", s.arbiter.BusCount(),
		"executors", s.config.Executors,
		"lease_timeout", s.config.LeaseTimeout)
	close(s.ready)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return cmdqueue.Serve(gctx, s.queue, s.arbiter, s.config.Executors, s.logger.With("component", "queue"))
	})
	g.Go(func() error {
		<-gctx.Done()
		err := s.server.Stop()
		s.queue.Close()
		if s.config.Advertise {
			s.advertiser.Stop()
		}
		return err
	})

	err := g.Wait()
	s.logger.Info("simulator stopped")
	return err
}

func (s *Simulator) advertise(ctx context.Context) error {
	if s.advertiser == nil {
		s.advertiser = discovery.NewAdvertiser(discovery.AdvertiserConfig{})
	}
	port := 0
	if ua, ok := s.Addr().(*net.UDPAddr); ok {
		port = ua.Port
	}
	info := discovery.Info{
		Instance: s.config.Instance,
		Port:     port,
		Buses:    s.arbiter.BusCount(),
	}
	if err := s.advertiser.Advertise(ctx, info); err != nil {
		return fmt.Errorf("advertise: %w", err)
	}
	s.logger.Info("advertising", "service", discovery.ServiceType, "port", port)
	return nil
}

// Ready is closed once the socket is bound.
func (s *Simulator) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address, or nil before Run binds it.
func (s *Simulator) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Arbiter exposes the bus state for inspection.
func (s *Simulator) Arbiter() *arbiter.Arbiter {
	return s.arbiter
}

// handleDatagram runs on the server goroutine of one datagram. It blocks
// until the executor has applied the request.
func (s *Simulator) handleDatagram(ctx context.Context, peer transport.Peer, data []byte) {
	client := peer.String()
	payload, err := arbiter.EncodeEnvelope(arbiter.Envelope{Client: client, Data: data})
	if err != nil {
		s.logger.Warn("envelope encoding failed", "client", client, "error", err)
		return
	}

	result, err := s.queue.Submit(ctx, payload)
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, cmdqueue.ErrClosed) {
			s.logger.Warn("command submission failed", "client", client, "error", err)
		}
		return
	}

	reply, err := arbiter.DecodeReply(result)
	if err != nil {
		s.logger.Warn("invalid command result", "client", client, "error", err)
		return
	}
	for _, frame := range reply.Frames {
		if err := s.server.Reply(peer, frame); err != nil {
			s.logger.Debug("reply failed", "client", client, "error", err)
			return
		}
	}
}

func (s *Simulator) closeCapture() {
	if s.file == nil {
		return
	}
	if err := s.file.Close(); err != nil {
		s.logger.Warn("capture file close failed", "path", s.file.Path(), "error", err)
	}
	if n := s.file.Dropped(); n > 0 {
		s.logger.Warn("capture events dropped", "count", n)
	}
	s.file = nil
}
