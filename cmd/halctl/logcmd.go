package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/halsim/halsim-go/cmd/halctl/commands"
	"github.com/halsim/halsim-go/pkg/discovery"
	"github.com/halsim/halsim-go/pkg/log"
)

// runLog handles "log <file>", "log view [flags] <file>" and
// "log stats <file>".
func runLog(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: log [view|stats] [flags] <file>")
	}
	switch args[0] {
	case "stats":
		if len(args) != 2 {
			return errors.New("usage: log stats <file>")
		}
		return commands.RunStats(args[1], os.Stdout)
	case "view":
		return runLogView(args[1:])
	default:
		return runLogView(args)
	}
}

func runLogView(args []string) error {
	fs := flag.NewFlagSet("log view", flag.ContinueOnError)
	layer := fs.String("layer", "", "Filter by layer (transport, wire, bus)")
	direction := fs.String("direction", "", "Filter by direction (in, out)")
	category := fs.String("category", "", "Filter by category (message, state, error)")
	session := fs.String("session", "", "Filter by session ID or client address")
	busType := fs.String("bus-type", "", "Filter by bus type (spi, i2c)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("log file path required")
	}

	filter := log.Filter{SessionID: *session, BusType: *busType}
	if *layer != "" {
		l, err := commands.ParseLayerFlag(*layer)
		if err != nil {
			return err
		}
		filter.Layer = &l
	}
	if *direction != "" {
		d, err := commands.ParseDirectionFlag(*direction)
		if err != nil {
			return err
		}
		filter.Direction = &d
	}
	if *category != "" {
		c, err := commands.ParseCategoryFlag(*category)
		if err != nil {
			return err
		}
		filter.Category = &c
	}
	return commands.RunView(fs.Arg(0), filter, os.Stdout)
}

func runDiscover(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	wait := fs.Duration("wait", discovery.DefaultBrowseTimeout, "How long to browse")
	iface := fs.String("iface", "", "Network interface to browse on")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()

	services, err := discovery.Discover(ctx, discovery.BrowserConfig{Interface: *iface})
	if err != nil {
		return err
	}
	if len(services) == 0 {
		fmt.Fprintf(w, "no simulators found within %s\n", wait.Round(time.Millisecond))
		return nil
	}
	for _, svc := range services {
		fmt.Fprintf(w, "%-24s %-22s buses=%d ver=%d\n", svc.Instance, svc.Addr(), svc.Buses, svc.Version)
	}
	return nil
}
