package cond

import (
	"context"
	"sync"
)

// Cond is a condition variable with explicit waiter and pending-signal
// accounting. Each Cond is bound to the Locker passed to NewCond, which
// must be held when calling Wait or WaitContext.
type Cond struct {
	L sync.Locker

	mu      sync.Mutex
	waiters uint
	pending uint

	// wake is closed and replaced whenever a signal is posted.
	wake chan struct{}
}

// NewCond returns a condition variable associated with l.
func NewCond(l sync.Locker) *Cond {
	return &Cond{
		L:    l,
		wake: make(chan struct{}),
	}
}

// Wait releases c.L, blocks until a signal is available, consumes it, and
// reacquires c.L before returning.
func (c *Cond) Wait() {
	_ = c.WaitContext(context.Background())
}

// WaitContext is Wait with cancellation. If ctx is done before a signal is
// available, the caller is deregistered and ctx.Err() is returned. c.L is
// held again when WaitContext returns, whatever the result.
//
// A signal that arrived before the cancellation was observed is consumed and
// the call succeeds, so no posted signal is dropped on the floor.
func (c *Cond) WaitContext(ctx context.Context) error {
	c.mu.Lock()
	c.waiters++
	c.mu.Unlock()

	c.L.Unlock()
	defer c.L.Lock()

	for {
		c.mu.Lock()
		if c.pending > 0 {
			c.pending--
			c.waiters--
			c.mu.Unlock()
			return nil
		}
		wake := c.wake
		c.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			c.mu.Lock()
			if c.pending > 0 {
				c.pending--
				c.waiters--
				c.mu.Unlock()
				return nil
			}
			c.waiters--
			c.mu.Unlock()
			return ctx.Err()
		}
	}
}

// Signal makes one pending signal available if a waiter has none yet.
func (c *Cond) Signal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiters > c.pending {
		c.pending++
		c.post()
	}
}

// Broadcast makes a pending signal available to every current waiter.
func (c *Cond) Broadcast() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiters > 0 {
		c.pending = c.waiters
		c.post()
	}
}

// Waiters returns the number of goroutines currently waiting.
func (c *Cond) Waiters() uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiters
}

// Pending returns the number of signals not yet consumed.
func (c *Cond) Pending() uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// post wakes every blocked waiter; they race for the pending signals.
// c.mu must be held.
func (c *Cond) post() {
	close(c.wake)
	c.wake = make(chan struct{})
}
