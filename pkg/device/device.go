// Package device provides the simulated peripherals that sit behind a bus.
//
// A Handler is created per configured (bus, chip) from a Factory looked up
// by kind in a Registry. Factories are registered statically; there is no
// plugin loading.
package device

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

var (
	// ErrUnknownKind indicates no factory is registered for a kind.
	ErrUnknownKind = errors.New("device: unknown kind")

	// ErrDuplicateKind indicates a kind is registered twice.
	ErrDuplicateKind = errors.New("device: kind already registered")

	// ErrInvalidOption indicates a malformed factory option.
	ErrInvalidOption = errors.New("device: invalid option")

	// ErrNotStarted indicates Transfer on a stopped handler.
	ErrNotStarted = errors.New("device: not started")
)

// Handler is a simulated peripheral.
//
// Transfer moves bytes between the bus and the device. For a full-duplex SPI
// exchange tx and rx have equal length. A write passes rx == nil; a read
// passes tx == nil and expects rx to be filled.
type Handler interface {
	Start() error
	Stop() error
	Transfer(tx, rx []byte) error
}

// Options are the kind-specific settings of a device entry.
type Options map[string]any

// Int returns option key as an int, or def when absent.
func (o Options) Int(key string, def int) (int, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n == float64(int(n)) {
			return int(n), nil
		}
	case string:
		if i, err := strconv.ParseInt(n, 0, 0); err == nil {
			return int(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %s=%v", ErrInvalidOption, key, v)
}

// Factory builds a handler from its options.
type Factory func(opts Options) (Handler, error)

// Registry maps device kinds to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry holding the built-in kinds.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(KindLoopback, NewLoopback)
	_ = r.Register(KindMemory, NewMemory)
	return r
}

// Register adds a factory for kind.
func (r *Registry) Register(kind string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, kind)
	}
	r.factories[kind] = f
	return nil
}

// New builds a handler of the given kind.
func (r *Registry) New(kind string, opts Options) (Handler, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	h, err := f(opts)
	if err != nil {
		return nil, fmt.Errorf("create %s device: %w", kind, err)
	}
	return h, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
