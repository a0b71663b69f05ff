// Package hal is the client side of the bus simulator.
//
// A handle is opened for a logical device. The device name or explicit bus
// and chip numbers are resolved through the device table to the simulator
// endpoint serving it:
//
//	spi, err := hal.OpenSPI(ctx, hal.SPIID{Name: "spi2.1"}, hal.Config{})
//	if err != nil {
//	    return err // errors.Is(err, hal.ErrDeviceNotFound)
//	}
//	defer spi.Close()
//	rx, err := spi.Transfer(ctx, []byte{0x9F, 0, 0, 0})
//
// Transfer runs the complete transaction: it acquires the bus, then sends
// the data in chunks, waiting for each answer before sending the next.
// The bus stays owned until Release or Close. Other clients get ErrBusBusy
// until then.
//
// Each handle owns one datagram session. Requests carry a per-session
// sequence number that the simulator echoes. If no answer arrives within
// the receive timeout, the same datagram is sent again after a backoff
// delay. This repeats up to MaxRetransmits times before ErrTimeout. The
// simulator answers a repeated request from its cache instead of executing
// it again, and late answers to earlier attempts are discarded.
package hal
