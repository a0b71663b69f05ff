package cond

import (
	"context"
	"sync"
)

// Mutex is a mutual-exclusion lock whose acquisition can be abandoned
// through a context. The zero value is not usable; use NewMutex.
type Mutex struct {
	ch chan struct{}
}

// NewMutex returns an unlocked mutex.
func NewMutex() *Mutex {
	return &Mutex{ch: make(chan struct{}, 1)}
}

// Lock blocks until the mutex is acquired.
func (m *Mutex) Lock() {
	m.ch <- struct{}{}
}

// LockContext blocks until the mutex is acquired or ctx is done.
// On a nil return the caller holds the lock.
func (m *Mutex) LockContext(ctx context.Context) error {
	select {
	case m.ch <- struct{}{}:
		return nil
	default:
	}
	select {
	case m.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLock acquires the mutex if it is free and reports whether it did.
func (m *Mutex) TryLock() bool {
	select {
	case m.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock releases the mutex. It panics if the mutex is not locked.
func (m *Mutex) Unlock() {
	select {
	case <-m.ch:
	default:
		panic("cond: unlock of unlocked mutex")
	}
}

var _ sync.Locker = (*Mutex)(nil)
