package device

import "sync"

// KindLoopback names the loopback device.
const KindLoopback = "loopback"

const defaultLoopbackDepth = 4096

// Loopback echoes traffic. A full-duplex transfer returns tx unchanged.
// Writes are queued and returned by later reads; reads beyond the queued
// bytes return the fill byte.
//
// Options: fill (default 0xFF), depth (queue size, default 4096).
type Loopback struct {
	mu      sync.Mutex
	started bool
	fill    byte
	depth   int
	queue   []byte
}

// NewLoopback is the Factory for KindLoopback.
func NewLoopback(opts Options) (Handler, error) {
	fill, err := opts.Int("fill", 0xFF)
	if err != nil {
		return nil, err
	}
	if fill < 0 || fill > 0xFF {
		return nil, ErrInvalidOption
	}
	depth, err := opts.Int("depth", defaultLoopbackDepth)
	if err != nil {
		return nil, err
	}
	if depth <= 0 {
		return nil, ErrInvalidOption
	}
	return &Loopback{fill: byte(fill), depth: depth}, nil
}

func (l *Loopback) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = true
	return nil
}

func (l *Loopback) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = false
	l.queue = l.queue[:0]
	return nil
}

func (l *Loopback) Transfer(tx, rx []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started {
		return ErrNotStarted
	}

	switch {
	case tx != nil && rx != nil:
		n := copy(rx, tx)
		for i := n; i < len(rx); i++ {
			rx[i] = l.fill
		}
	case rx == nil:
		l.queue = append(l.queue, tx...)
		if over := len(l.queue) - l.depth; over > 0 {
			l.queue = append(l.queue[:0], l.queue[over:]...)
		}
	default:
		n := copy(rx, l.queue)
		l.queue = append(l.queue[:0], l.queue[n:]...)
		for i := n; i < len(rx); i++ {
			rx[i] = l.fill
		}
	}
	return nil
}
