package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/halsim/halsim-go/pkg/hal"
)

// client runs single bus commands. Every command opens a handle, performs
// one operation and closes the handle again.
type client struct {
	config  hal.Config
	timeout time.Duration
	out     io.Writer
}

func (c *client) runSPI(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: spi xfer <dev> <hex> | spi read <dev> <n>")
	}
	switch args[0] {
	case "xfer":
		if len(args) != 3 {
			return errors.New("usage: spi xfer <dev> <hex>")
		}
		tx, err := parseHex(args[2])
		if err != nil {
			return err
		}
		return c.spiTransfer(args[1], tx)
	case "read":
		if len(args) != 3 {
			return errors.New("usage: spi read <dev> <n>")
		}
		n, err := parseCount(args[2])
		if err != nil {
			return err
		}
		return c.spiRead(args[1], n)
	default:
		return fmt.Errorf("unknown spi command: %s", args[0])
	}
}

func (c *client) spiTransfer(dev string, tx []byte) error {
	ctx, cancel := c.context()
	defer cancel()

	h, err := hal.OpenSPI(ctx, hal.SPIID{Name: dev}, c.config)
	if err != nil {
		return err
	}
	defer h.Close()

	rx, err := h.Transfer(ctx, tx)
	if err != nil {
		return err
	}
	printBytes(c.out, rx)
	return nil
}

func (c *client) spiRead(dev string, n int) error {
	ctx, cancel := c.context()
	defer cancel()

	h, err := hal.OpenSPI(ctx, hal.SPIID{Name: dev}, c.config)
	if err != nil {
		return err
	}
	defer h.Close()

	rx, err := h.Read(ctx, n)
	if err != nil {
		return err
	}
	printBytes(c.out, rx)
	return nil
}

func (c *client) runI2C(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: i2c write <dev> <addr> <hex> | i2c read <dev> <addr> <n>")
	}
	switch args[0] {
	case "write":
		if len(args) != 4 {
			return errors.New("usage: i2c write <dev> <addr> <hex>")
		}
		addr, err := parseAddress(args[2])
		if err != nil {
			return err
		}
		data, err := parseHex(args[3])
		if err != nil {
			return err
		}
		return c.i2cWrite(args[1], addr, data)
	case "read":
		if len(args) != 4 {
			return errors.New("usage: i2c read <dev> <addr> <n>")
		}
		addr, err := parseAddress(args[2])
		if err != nil {
			return err
		}
		n, err := parseCount(args[3])
		if err != nil {
			return err
		}
		return c.i2cRead(args[1], addr, n)
	default:
		return fmt.Errorf("unknown i2c command: %s", args[0])
	}
}

func (c *client) i2cWrite(dev string, addr int, data []byte) error {
	ctx, cancel := c.context()
	defer cancel()

	h, err := hal.OpenI2C(ctx, i2cID(dev, addr), c.config)
	if err != nil {
		return err
	}
	defer h.Close()

	if err := h.Write(ctx, data); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "wrote %d bytes\n", len(data))
	return nil
}

func (c *client) i2cRead(dev string, addr, n int) error {
	ctx, cancel := c.context()
	defer cancel()

	h, err := hal.OpenI2C(ctx, i2cID(dev, addr), c.config)
	if err != nil {
		return err
	}
	defer h.Close()

	rx, err := h.Read(ctx, n)
	if err != nil {
		return err
	}
	printBytes(c.out, rx)
	return nil
}

// i2cID accepts both "i2c1" and "i2c1.80" style device names. The address
// argument always selects the target.
func i2cID(dev string, addr int) hal.I2CID {
	if !strings.Contains(dev, ".") {
		dev = fmt.Sprintf("%s.%d", dev, addr)
	}
	return hal.I2CID{Name: dev, Address: &addr}
}

// parseHex decodes hex digits, ignoring a 0x prefix and separators.
func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	s = strings.NewReplacer(":", "", "-", "", "_", "", " ", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data %q: %w", s, err)
	}
	return b, nil
}

func parseCount(s string) (int, error) {
	n, err := strconv.ParseInt(s, 0, 32)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid byte count %q", s)
	}
	return int(n), nil
}

func parseAddress(s string) (int, error) {
	n, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid I2C address %q", s)
	}
	return int(n), nil
}

// printBytes writes b as space-separated hex, 16 bytes per line.
func printBytes(w io.Writer, b []byte) {
	if len(b) == 0 {
		fmt.Fprintln(w, "(no data)")
		return
	}
	for i := 0; i < len(b); i += 16 {
		end := min(i+16, len(b))
		parts := make([]string, 0, end-i)
		for _, v := range b[i:end] {
			parts = append(parts, fmt.Sprintf("%02x", v))
		}
		fmt.Fprintf(w, "%04x: %s\n", i, strings.Join(parts, " "))
	}
}
