package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Codec errors.
var (
	// ErrMalformed indicates a buffer too short for the claimed message, a
	// size field exceeding the remaining bytes, or trailing bytes.
	ErrMalformed = errors.New("wire: malformed message")

	// ErrUnknownType indicates a type tag outside the catalog.
	ErrUnknownType = errors.New("wire: unknown message type")

	// ErrInvalidStatus indicates a status value not legal for its message type.
	ErrInvalidStatus = errors.New("wire: invalid status")

	// ErrPayloadTooLarge indicates a size field above the per-message limit.
	ErrPayloadTooLarge = errors.New("wire: payload too large")
)

// DecodeHeader reads the common header from b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes, header needs %d", ErrMalformed, len(b), HeaderSize)
	}
	return Header{
		Type:  MessageType(b[0]),
		Spare: b[1],
		Seq:   binary.BigEndian.Uint16(b[2:4]),
	}, nil
}

// Encode serializes m into a new buffer.
func Encode(m *Message) ([]byte, error) {
	return AppendEncode(make([]byte, 0, m.EncodedSize()), m)
}

// AppendEncode appends the encoding of m to dst.
func AppendEncode(dst []byte, m *Message) ([]byte, error) {
	if !m.Type.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(m.Type))
	}

	dst = append(dst, byte(m.Type), 0)
	dst = binary.BigEndian.AppendUint16(dst, m.Seq)

	switch m.Type {
	case TypeSPIStatus, TypeI2CStatus:
		if !m.Status.ValidFor(m.Type) {
			return nil, fmt.Errorf("%w: %d for %s", ErrInvalidStatus, uint8(m.Status), m.Type)
		}
		dst = append(dst, byte(m.Status))
	case TypeSPIAcquire:
		dst = append(dst, m.Bus, m.Chip)
	case TypeSPIRelease, TypeI2CStop:
		dst = append(dst, m.Bus)
	case TypeI2CStart:
		dst = append(dst, m.Bus)
		dst = binary.BigEndian.AppendUint16(dst, m.Address)
	case TypeI2CRead:
		if int(m.Size) > MaxI2CRead {
			return nil, fmt.Errorf("%w: read of %d > %d", ErrPayloadTooLarge, m.Size, MaxI2CRead)
		}
		dst = append(dst, m.Bus)
		dst = binary.BigEndian.AppendUint16(dst, m.Size)
	default:
		if limit := m.Type.maxData(); len(m.Data) > limit {
			return nil, fmt.Errorf("%w: %s carries %d > %d", ErrPayloadTooLarge, m.Type, len(m.Data), limit)
		}
		dst = append(dst, m.Bus)
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(m.Data)))
		dst = append(dst, m.Data...)
	}
	return dst, nil
}

// Decode parses one datagram. The returned message does not alias b.
func Decode(b []byte) (*Message, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return nil, err
	}
	if !h.Type.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(h.Type))
	}

	fixed := h.Type.fixedSize()
	if len(b) < fixed {
		return nil, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrMalformed, h.Type, fixed, len(b))
	}

	m := &Message{Type: h.Type, Seq: h.Seq}
	body := b[HeaderSize:fixed]

	switch h.Type {
	case TypeSPIStatus, TypeI2CStatus:
		m.Status = Status(body[0])
		if !m.Status.ValidFor(h.Type) {
			return nil, fmt.Errorf("%w: %d for %s", ErrInvalidStatus, body[0], h.Type)
		}
	case TypeSPIAcquire:
		m.Bus, m.Chip = body[0], body[1]
	case TypeSPIRelease, TypeI2CStop:
		m.Bus = body[0]
	case TypeI2CStart:
		m.Bus = body[0]
		m.Address = binary.BigEndian.Uint16(body[1:3])
	default:
		m.Bus = body[0]
		m.Size = binary.BigEndian.Uint16(body[1:3])
		if int(m.Size) > h.Type.maxData() {
			return nil, fmt.Errorf("%w: %s claims %d > %d", ErrPayloadTooLarge, h.Type, m.Size, h.Type.maxData())
		}
	}

	rest := b[fixed:]
	if h.Type.hasPayload() {
		if int(m.Size) > len(rest) {
			return nil, fmt.Errorf("%w: %s claims %d bytes, %d remain", ErrMalformed, h.Type, m.Size, len(rest))
		}
		m.Data = append([]byte(nil), rest[:m.Size]...)
		rest = rest[m.Size:]
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after %s", ErrMalformed, len(rest), h.Type)
	}
	return m, nil
}
