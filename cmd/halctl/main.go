// Command halctl talks to simulated SPI and I2C devices.
//
// Devices are resolved through the client device table (halclient.yaml, or
// the file named by HALCLIENT_CONFIG, or -config).
//
// Usage:
//
//	halctl [flags] <command> [args]
//
// Commands:
//
//	spi xfer <dev> <hex>            Full-duplex transfer, prints received bytes
//	spi read <dev> <n>              Clock out n bytes of 0xFF, prints received bytes
//	i2c write <dev> <addr> <hex>    Write bytes to a target address
//	i2c read <dev> <addr> <n>       Read n bytes from a target address
//	discover                        Browse for simulators via mDNS
//	log [view|stats] [flags] <file> Inspect a protocol capture
//	shell                           Interactive session with persistent handles
//
// Examples:
//
//	halctl spi xfer spi0.0 9f000000
//	halctl i2c write i2c1 0x50 00deadbeef
//	halctl i2c read i2c1 0x50 4
//	halctl log view -layer wire bench.hlog
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/halsim/halsim-go/pkg/hal"
	"github.com/halsim/halsim-go/pkg/log"
)

const usage = `halctl - SPI/I2C bus simulator client

Usage:
  halctl [flags] <command> [args]

Commands:
  spi xfer <dev> <hex>            Full-duplex transfer
  spi read <dev> <n>              Read n bytes
  i2c write <dev> <addr> <hex>    Write bytes to a target address
  i2c read <dev> <addr> <n>       Read n bytes from a target address
  discover                        Browse for simulators via mDNS
  log [view|stats] [flags] <file> Inspect a protocol capture
  shell                           Interactive session

Flags:
`

var (
	configFile string
	logLevel   string
	timeout    time.Duration
	capture    bool
)

func init() {
	flag.StringVar(&configFile, "config", "", "Device table file (YAML or TOML)")
	flag.StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	flag.DurationVar(&timeout, "timeout", 10*time.Second, "Overall timeout of one command")
	flag.BoolVar(&capture, "trace", false, "Log protocol events at debug level")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
}

func main() {
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	logger, err := setupLogging(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	c := &client{
		config:  halConfig(logger),
		timeout: timeout,
		out:     os.Stdout,
	}

	args := flag.Args()
	switch args[0] {
	case "spi":
		err = c.runSPI(args[1:])
	case "i2c":
		err = c.runI2C(args[1:])
	case "discover":
		err = runDiscover(args[1:], os.Stdout)
	case "log":
		err = runLog(args[1:])
	case "shell":
		err = runShell(c)
	case "help", "-h", "-help", "--help":
		flag.Usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	if capture && lvl > slog.LevelDebug {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger, nil
}

func halConfig(logger *slog.Logger) hal.Config {
	cfg := hal.Config{
		TablePath: configFile,
		Logger:    logger,
	}
	if capture {
		cfg.Capture = log.NewSlogAdapter(logger.With("component", "capture"))
	}
	return cfg
}

func (c *client) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.timeout)
}
