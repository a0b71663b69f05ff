package device

import "sync"

// KindMemory names the register file device.
const KindMemory = "memory"

// Memory is a register file addressed through an auto-incrementing pointer,
// in the manner of common serial RTC and EEPROM parts.
//
// On a write (rx == nil) the first byte sets the pointer and the remaining
// bytes are stored from it. A read (tx == nil) streams from the pointer.
// A full-duplex SPI transfer starts with an address byte; bit 7 set selects
// a write of the following bytes, clear selects a read into rx. The pointer
// wraps at the end of the file.
//
// Options: size (register count, 1..256, default 128), init (byte list
// preloaded from register 0).
type Memory struct {
	mu      sync.Mutex
	started bool
	regs    []byte
	ptr     int
}

// NewMemory is the Factory for KindMemory.
func NewMemory(opts Options) (Handler, error) {
	size, err := opts.Int("size", 128)
	if err != nil {
		return nil, err
	}
	if size <= 0 || size > 256 {
		return nil, ErrInvalidOption
	}
	m := &Memory{regs: make([]byte, size)}

	if raw, ok := opts["init"]; ok {
		list, ok := raw.([]any)
		if !ok || len(list) > size {
			return nil, ErrInvalidOption
		}
		for i, v := range list {
			b, err := Options{"v": v}.Int("v", 0)
			if err != nil || b < 0 || b > 0xFF {
				return nil, ErrInvalidOption
			}
			m.regs[i] = byte(b)
		}
	}
	return m, nil
}

func (m *Memory) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	return nil
}

func (m *Memory) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = false
	return nil
}

func (m *Memory) Transfer(tx, rx []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return ErrNotStarted
	}

	switch {
	case tx != nil && rx != nil:
		if len(tx) == 0 {
			return nil
		}
		write := tx[0]&0x80 != 0
		m.ptr = int(tx[0]&0x7F) % len(m.regs)
		if len(rx) > 0 {
			rx[0] = 0
		}
		for i := 1; i < len(tx) && i < len(rx); i++ {
			if write {
				m.regs[m.ptr] = tx[i]
				rx[i] = 0
			} else {
				rx[i] = m.regs[m.ptr]
			}
			m.advance()
		}
	case rx == nil:
		if len(tx) == 0 {
			return nil
		}
		m.ptr = int(tx[0]) % len(m.regs)
		for _, b := range tx[1:] {
			m.regs[m.ptr] = b
			m.advance()
		}
	default:
		for i := range rx {
			rx[i] = m.regs[m.ptr]
			m.advance()
		}
	}
	return nil
}

// Register returns the value at addr for inspection.
func (m *Memory) Register(addr int) byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[addr%len(m.regs)]
}

func (m *Memory) advance() {
	m.ptr = (m.ptr + 1) % len(m.regs)
}
