package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/chzyer/readline"

	"github.com/halsim/halsim-go/pkg/hal"
)

// shell keeps handles open between commands so bus ownership can be held
// across several transfers.
type shell struct {
	c   *client
	rl  *readline.Instance
	out io.Writer

	spi map[string]*hal.SPI
	i2c map[string]*hal.I2C
}

func runShell(c *client) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "halctl> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	sh := &shell{
		c:   c,
		rl:  rl,
		out: rl.Stdout(),
		spi: make(map[string]*hal.SPI),
		i2c: make(map[string]*hal.I2C),
	}
	sh.c.out = sh.out
	defer sh.closeAll()

	sh.printHelp()
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			return nil
		}
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}
		if quit := sh.exec(fields); quit {
			return nil
		}
	}
}

// exec runs one command line and reports whether the shell should exit.
func (sh *shell) exec(fields []string) bool {
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	var err error
	switch cmd {
	case "help", "?":
		sh.printHelp()
	case "quit", "exit", "q":
		return true
	case "acquire":
		err = sh.withSPI(args, 1, func(h *hal.SPI) error {
			ctx, cancel := sh.c.context()
			defer cancel()
			return h.Acquire(ctx)
		})
	case "release":
		err = sh.withSPI(args, 1, func(h *hal.SPI) error {
			ctx, cancel := sh.c.context()
			defer cancel()
			return h.Release(ctx)
		})
	case "xfer":
		err = sh.withSPI(args, 2, func(h *hal.SPI) error {
			tx, err := parseHex(args[1])
			if err != nil {
				return err
			}
			ctx, cancel := sh.c.context()
			defer cancel()
			rx, err := h.Transfer(ctx, tx)
			if err == nil {
				printBytes(sh.out, rx)
			}
			return err
		})
	case "read":
		err = sh.withSPI(args, 2, func(h *hal.SPI) error {
			n, err := parseCount(args[1])
			if err != nil {
				return err
			}
			ctx, cancel := sh.c.context()
			defer cancel()
			rx, err := h.Read(ctx, n)
			if err == nil {
				printBytes(sh.out, rx)
			}
			return err
		})
	case "start":
		err = sh.cmdStart(args)
	case "stop":
		err = sh.withI2C(args, 1, func(h *hal.I2C) error {
			ctx, cancel := sh.c.context()
			defer cancel()
			return h.Stop(ctx)
		})
	case "write":
		err = sh.withI2C(args, 2, func(h *hal.I2C) error {
			data, err := parseHex(args[1])
			if err != nil {
				return err
			}
			ctx, cancel := sh.c.context()
			defer cancel()
			return h.Write(ctx, data)
		})
	case "i2cread":
		err = sh.withI2C(args, 2, func(h *hal.I2C) error {
			n, err := parseCount(args[1])
			if err != nil {
				return err
			}
			ctx, cancel := sh.c.context()
			defer cancel()
			rx, err := h.Read(ctx, n)
			if err == nil {
				printBytes(sh.out, rx)
			}
			return err
		})
	case "state", "s":
		sh.printState()
	case "close":
		if len(args) != 1 {
			err = errors.New("usage: close <dev>")
			break
		}
		err = sh.closeHandle(args[0])
	default:
		err = fmt.Errorf("unknown command %q (type help)", cmd)
	}

	if err != nil {
		fmt.Fprintf(sh.out, "error: %v\n", err)
	}
	return false
}

// withSPI runs fn on the SPI handle named by args[0], opening it on first
// use.
func (sh *shell) withSPI(args []string, nargs int, fn func(*hal.SPI) error) error {
	if len(args) != nargs {
		return fmt.Errorf("expected %d argument(s)", nargs)
	}
	dev := args[0]
	h, ok := sh.spi[dev]
	if !ok {
		ctx, cancel := sh.c.context()
		defer cancel()
		var err error
		h, err = hal.OpenSPI(ctx, hal.SPIID{Name: dev}, sh.c.config)
		if err != nil {
			return err
		}
		sh.spi[dev] = h
	}
	if err := fn(h); err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "%s: %s\n", dev, h.State())
	return nil
}

func (sh *shell) cmdStart(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: start <dev> <addr>")
	}
	dev := args[0]
	addr, err := parseAddress(args[1])
	if err != nil {
		return err
	}

	ctx, cancel := sh.c.context()
	defer cancel()

	h, ok := sh.i2c[dev]
	if !ok {
		h, err = hal.OpenI2C(ctx, i2cID(dev, addr), sh.c.config)
		if err != nil {
			return err
		}
		sh.i2c[dev] = h
	}
	if err := h.Start(ctx, uint16(addr)); err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "%s: %s (target 0x%02x)\n", dev, h.State(), addr)
	return nil
}

func (sh *shell) withI2C(args []string, nargs int, fn func(*hal.I2C) error) error {
	if len(args) != nargs {
		return fmt.Errorf("expected %d argument(s)", nargs)
	}
	dev := args[0]
	h, ok := sh.i2c[dev]
	if !ok {
		return fmt.Errorf("%s is not open; use start <dev> <addr> first", dev)
	}
	if err := fn(h); err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "%s: %s\n", dev, h.State())
	return nil
}

func (sh *shell) printState() {
	if len(sh.spi)+len(sh.i2c) == 0 {
		fmt.Fprintln(sh.out, "no open handles")
		return
	}
	names := make([]string, 0, len(sh.spi)+len(sh.i2c))
	for name := range sh.spi {
		names = append(names, name)
	}
	for name := range sh.i2c {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if h, ok := sh.spi[name]; ok {
			fmt.Fprintf(sh.out, "  %-10s spi bus=%d chip=%d %s\n", name, h.Bus(), h.Chip(), h.State())
		}
		if h, ok := sh.i2c[name]; ok {
			fmt.Fprintf(sh.out, "  %-10s i2c bus=%d addr=0x%02x %s\n", name, h.Bus(), h.Address(), h.State())
		}
	}
}

func (sh *shell) closeHandle(dev string) error {
	if h, ok := sh.spi[dev]; ok {
		delete(sh.spi, dev)
		return h.Close()
	}
	if h, ok := sh.i2c[dev]; ok {
		delete(sh.i2c, dev)
		return h.Close()
	}
	return fmt.Errorf("%s is not open", dev)
}

func (sh *shell) closeAll() {
	for dev := range sh.spi {
		_ = sh.closeHandle(dev)
	}
	for dev := range sh.i2c {
		_ = sh.closeHandle(dev)
	}
}

func (sh *shell) printHelp() {
	fmt.Fprint(sh.out, `Commands:
  acquire <dev>             Acquire an SPI bus and keep it
  release <dev>             Release an SPI bus
  xfer <dev> <hex>          SPI full-duplex transfer
  read <dev> <n>            SPI read of n bytes
  start <dev> <addr>        I2C start (opens the handle)
  write <dev> <hex>         I2C write to the current target
  i2cread <dev> <n>         I2C read from the current target
  stop <dev>                I2C stop
  state                     Show open handles
  close <dev>               Close a handle (releases its bus)
  help                      Show this help
  quit                      Exit
`)
}
