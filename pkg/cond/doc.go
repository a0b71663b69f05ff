// Package cond provides the locking primitives used by the command queue.
//
// # Mutex
//
// Mutex is a mutual-exclusion lock that can be acquired with a context, so a
// goroutine waiting on a lock held by a stalled peer can give up.
//
// # Cond
//
// Cond is a condition variable that tracks waiters and pending signals
// explicitly:
//
//   - Wait registers the caller as a waiter before releasing the lock, so a
//     Signal issued after that point is never lost.
//   - Signal adds one pending signal only while waiters outnumber pending
//     signals; Broadcast sets pending signals to the waiter count.
//   - A signal issued with no waiters is discarded. Callers re-check their
//     predicate in a loop after Wait returns.
//
// The pending-signal count never exceeds the waiter count.
package cond
