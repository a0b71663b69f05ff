// Command halsim runs the bus simulator.
//
// The simulator serves SPI and I2C requests over UDP and applies them to
// simulated devices (loopback, memory) described in a YAML file.
//
// Usage:
//
//	halsim [flags]
//
// Flags:
//
//	-config string      Simulator configuration file (YAML)
//	-listen string      UDP listen address (overrides the config file)
//	-log-level string   Log level: debug, info, warn, error (default "info")
//	-capture string     Write a CBOR protocol capture to this file
//	-advertise          Advertise the simulator via mDNS
//	-instance string    mDNS instance name (default halsim-<host>)
//	-lease duration     Bus ownership lease (0 disables)
//
// Examples:
//
//	# Serve the default loopback device on :9000
//	halsim
//
//	# Serve a bench description and capture traffic
//	halsim -config bench.yaml -capture bench.hlog -log-level debug
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/halsim/halsim-go/pkg/log"
	"github.com/halsim/halsim-go/pkg/sim"
)

// Flags holds the command-line settings.
type Flags struct {
	ConfigFile  string
	Listen      string
	LogLevel    string
	CaptureFile string
	Advertise   bool
	Instance    string
	Lease       time.Duration
}

var flags Flags

func init() {
	flag.StringVar(&flags.ConfigFile, "config", "", "Simulator configuration file (YAML)")
	flag.StringVar(&flags.Listen, "listen", "", "UDP listen address (overrides the config file)")
	flag.StringVar(&flags.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&flags.CaptureFile, "capture", "", "Write a CBOR protocol capture to this file")
	flag.BoolVar(&flags.Advertise, "advertise", false, "Advertise the simulator via mDNS")
	flag.StringVar(&flags.Instance, "instance", "", "mDNS instance name (default halsim-<host>)")
	flag.DurationVar(&flags.Lease, "lease", 0, "Bus ownership lease (0 disables)")
}

func main() {
	flag.Parse()

	logger, level, err := setupLogging(flags.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	opts := sim.Options{Logger: logger}
	if level <= slog.LevelDebug {
		opts.Capture = log.NewSlogAdapter(logger.With("component", "capture"))
	}

	s, err := sim.New(cfg, opts)
	if err != nil {
		logger.Error("failed to create simulator", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
		err = <-done
	case err = <-done:
	}
	if err != nil {
		logger.Error("simulator failed", "error", err)
		os.Exit(1)
	}
}

func setupLogging(level string) (*slog.Logger, slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, 0, fmt.Errorf("invalid log level %q", level)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger, lvl, nil
}

// loadConfig reads the configuration file, if any, and applies flag
// overrides.
func loadConfig() (sim.Config, error) {
	cfg := sim.DefaultConfig()
	if flags.ConfigFile != "" {
		var err error
		cfg, err = sim.LoadConfig(flags.ConfigFile)
		if err != nil {
			return sim.Config{}, err
		}
	}

	if flags.Listen != "" {
		cfg.Listen = flags.Listen
	}
	if flags.CaptureFile != "" {
		cfg.CaptureFile = flags.CaptureFile
	}
	if flags.Advertise {
		cfg.Advertise = true
	}
	if flags.Instance != "" {
		cfg.Instance = flags.Instance
	}
	if flags.Lease > 0 {
		cfg.LeaseTimeout = flags.Lease
	}
	return cfg, cfg.Validate()
}
