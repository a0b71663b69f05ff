// Package wire defines the datagram format spoken between bus clients and the
// simulator.
//
// Every message is a single datagram. Multi-byte fields are big-endian and
// the layout is packed.
//
// # Header
//
//	+--------+--------+-----------------+
//	| type   | spare  | sequence        |
//	| 1 byte | 1 byte | 2 bytes         |
//	+--------+--------+-----------------+
//
// # Catalog
//
//	SPI_STATUS_CODE   status(1)
//	SPI_ACQUIRE_BUS   bus(1) chip(1)
//	SPI_RELEASE_BUS   bus(1)
//	SPI_XFER_IN       bus(1) size(2) data[size]
//	SPI_XFER_OUT      bus(1) size(2) data[size]
//	I2C_STATUS_CODE   status(1)
//	I2C_START         bus(1) address(2)
//	I2C_STOP          bus(1)
//	I2C_WRITE         bus(1) size(2) data[size]
//	I2C_READ          bus(1) size(2)
//	I2C_READ_DATA     bus(1) size(2) data[size]
//
// Decoding never infers a payload length from the buffer; it trusts the
// size field and rejects buffers that are shorter or longer than it claims.
//
// # Pairing
//
// Each request admits a fixed set of responses. An Exchange tracks one
// outstanding request and rejects anything outside that set with
// ErrProtocolViolation, which callers keep distinct from negative statuses.
package wire
