package cmdqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/halsim/halsim-go/pkg/cond"
)

// Queue defaults.
const (
	// DefaultCapacity is the number of slots in the ring.
	DefaultCapacity = 128

	// DefaultSlotSize is the payload capacity of one slot in bytes.
	DefaultSlotSize = 1024
)

// Queue errors.
var (
	// ErrPayloadTooLarge indicates a payload or result exceeds the slot size.
	ErrPayloadTooLarge = errors.New("cmdqueue: payload too large")

	// ErrClosed indicates the queue has been closed.
	ErrClosed = errors.New("cmdqueue: closed")

	// ErrNotTaken indicates a command handle that is stale or already completed.
	ErrNotTaken = errors.New("cmdqueue: command not taken")
)

// Config configures a Queue.
type Config struct {
	// Capacity is the number of slots (default: 128).
	Capacity int

	// SlotSize is the maximum payload and result size (default: 1024).
	SlotSize int
}

// ringState tracks where a slot is in its lifecycle. Guarded by Queue.mu.
type ringState uint8

const (
	ringFree ringState = iota
	ringClaimed
	ringFilled
	ringTaken
	ringDone
	ringReleased
)

type slot struct {
	// Guarded by Queue.mu. cancelled marks a producer that gave up without
	// holding mu; dispatched is the generation handed out by Next.
	ring       ringState
	cancelled  bool
	dispatched uint64

	// Guarded by mu.
	mu        *cond.Mutex
	cv        *cond.Cond
	data      []byte
	size      int
	gen       uint64
	satisfied bool
	abandoned bool
}

// Queue is a bounded FIFO command queue. It is safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	notFull  *cond.Cond
	newEntry *cond.Cond

	slots    []slot
	slotSize int

	head  int // oldest unreleased slot
	tail  int // next slot to claim
	count int // claimed and not yet released
	next  int // next slot to dispatch

	closed atomic.Bool
}

// New creates a queue.
func New(cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.SlotSize <= 0 {
		cfg.SlotSize = DefaultSlotSize
	}

	q := &Queue{
		slots:    make([]slot, cfg.Capacity),
		slotSize: cfg.SlotSize,
	}
	q.notFull = cond.NewCond(&q.mu)
	q.newEntry = cond.NewCond(&q.mu)
	for i := range q.slots {
		s := &q.slots[i]
		s.mu = cond.NewMutex()
		s.cv = cond.NewCond(s.mu)
		s.data = make([]byte, cfg.SlotSize)
	}
	return q
}

// Cap returns the number of slots.
func (q *Queue) Cap() int {
	return len(q.slots)
}

// SlotSize returns the per-slot payload capacity.
func (q *Queue) SlotSize() int {
	return q.slotSize
}

// Len returns the number of slots currently in use.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Submit enqueues payload, waits for the executor to complete it and returns
// the result. It blocks while the queue is full.
//
// Commands execute in the order their slots were claimed. Callers blocked on
// a full queue race for freed slots, so their order is not preserved.
//
// If ctx is done before a slot is claimed, no capacity is consumed. If ctx is
// done after the command was enqueued, including while waiting for the slot
// lock, the command is abandoned: it is skipped if not yet dispatched, and its
// slot is reclaimed on completion otherwise.
func (q *Queue) Submit(ctx context.Context, payload []byte) ([]byte, error) {
	if len(payload) > q.slotSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), q.slotSize)
	}

	i, err := q.claim(ctx)
	if err != nil {
		return nil, err
	}
	s := &q.slots[i]

	if err := s.mu.LockContext(ctx); err != nil {
		q.cancel(i)
		return nil, err
	}
	s.size = copy(s.data, payload)
	s.satisfied = false
	s.abandoned = false
	s.gen++
	s.mu.Unlock()

	q.mu.Lock()
	s.ring = ringFilled
	q.mu.Unlock()
	q.newEntry.Signal()

	if err := s.mu.LockContext(ctx); err != nil {
		q.cancel(i)
		return nil, err
	}
	for !s.satisfied {
		if q.closed.Load() {
			s.abandoned = true
			s.mu.Unlock()
			return nil, ErrClosed
		}
		if err := s.cv.WaitContext(ctx); err != nil && !s.satisfied {
			s.abandoned = true
			s.mu.Unlock()
			return nil, err
		}
	}
	result := make([]byte, s.size)
	copy(result, s.data[:s.size])
	s.mu.Unlock()

	q.release(i)
	return result, nil
}

// cancel gives up slot i for a producer that could not take the slot lock.
// An undispatched slot is skipped by Next, a taken one is released by
// Complete, and a completed one is released here.
func (q *Queue) cancel(i int) {
	q.mu.Lock()
	s := &q.slots[i]
	freed := false
	switch s.ring {
	case ringClaimed:
		s.ring = ringFilled
		s.cancelled = true
	case ringDone:
		s.ring = ringReleased
		freed = q.advanceHead()
	default:
		s.cancelled = true
	}
	q.mu.Unlock()

	q.newEntry.Signal()
	if freed {
		q.notFull.Broadcast()
	}
}

// claim reserves the tail slot, waiting while the ring is full.
func (q *Queue) claim(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == len(q.slots) && !q.closed.Load() {
		if err := q.notFull.WaitContext(ctx); err != nil {
			return 0, err
		}
	}
	if q.closed.Load() {
		return 0, ErrClosed
	}

	i := q.tail
	q.slots[i].ring = ringClaimed
	q.slots[i].cancelled = false
	q.tail = (q.tail + 1) % len(q.slots)
	q.count++
	return i, nil
}

// release returns slot i to the pool and advances the head across every
// released slot.
func (q *Queue) release(i int) {
	q.mu.Lock()
	q.slots[i].ring = ringReleased
	freed := q.advanceHead()
	q.mu.Unlock()

	if freed {
		q.notFull.Broadcast()
	}
}

// advanceHead frees released slots at the head of the ring. q.mu must be held.
func (q *Queue) advanceHead() bool {
	freed := false
	for q.count > 0 && q.slots[q.head].ring == ringReleased {
		q.slots[q.head].ring = ringFree
		q.head = (q.head + 1) % len(q.slots)
		q.count--
		freed = true
	}
	return freed
}

// Next blocks until the oldest undispatched command is available and returns
// a handle to it. Each command is returned by exactly one Next call.
func (q *Queue) Next(ctx context.Context) (*Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed.Load() {
			return nil, ErrClosed
		}

		i := q.next
		s := &q.slots[i]
		if s.ring != ringFilled {
			if err := q.newEntry.WaitContext(ctx); err != nil {
				return nil, err
			}
			continue
		}

		q.next = (q.next + 1) % len(q.slots)

		if s.cancelled {
			s.ring = ringReleased
			if q.advanceHead() {
				q.notFull.Broadcast()
			}
			continue
		}

		s.mu.Lock()
		if s.abandoned {
			s.mu.Unlock()
			s.ring = ringReleased
			if q.advanceHead() {
				q.notFull.Broadcast()
			}
			continue
		}
		cmd := &Command{
			queue:   q,
			index:   i,
			gen:     s.gen,
			payload: append([]byte(nil), s.data[:s.size]...),
		}
		s.mu.Unlock()
		s.ring = ringTaken
		s.dispatched = cmd.gen

		// Entries filled out of claim order may have had their signal
		// consumed by a waiter that found nothing; pass it on.
		if q.slots[q.next].ring == ringFilled {
			q.newEntry.Signal()
		}
		return cmd, nil
	}
}

// Complete stores result in the command's slot and wakes its producer.
func (q *Queue) Complete(cmd *Command, result []byte) error {
	if cmd == nil || cmd.queue != q {
		return ErrNotTaken
	}
	if len(result) > q.slotSize {
		return fmt.Errorf("%w: result %d > %d", ErrPayloadTooLarge, len(result), q.slotSize)
	}
	if !cmd.done.CompareAndSwap(false, true) {
		return ErrNotTaken
	}

	s := &q.slots[cmd.index]
	s.mu.Lock()
	if s.gen != cmd.gen || s.satisfied {
		s.mu.Unlock()
		return ErrNotTaken
	}
	s.size = copy(s.data, result)
	s.satisfied = true
	abandoned := s.abandoned
	s.cv.Signal()
	s.mu.Unlock()

	q.mu.Lock()
	freed := false
	// The producer may already have collected the result and released the
	// slot, which may since have been reused.
	if s.ring == ringTaken && s.dispatched == cmd.gen {
		if abandoned || s.cancelled {
			s.ring = ringReleased
			freed = q.advanceHead()
		} else {
			s.ring = ringDone
		}
	}
	q.mu.Unlock()

	if freed {
		q.notFull.Broadcast()
	}
	return nil
}

// Close fails all blocked and future calls with ErrClosed.
func (q *Queue) Close() {
	// Flip the flag under q.mu so a caller between its closed check and its
	// wait registration cannot miss the broadcast below.
	q.mu.Lock()
	already := q.closed.Swap(true)
	q.mu.Unlock()
	if already {
		return
	}
	q.notFull.Broadcast()
	q.newEntry.Broadcast()
	for i := range q.slots {
		s := &q.slots[i]
		s.mu.Lock()
		s.cv.Broadcast()
		s.mu.Unlock()
	}
}

// Command is a dispatched entry awaiting completion.
type Command struct {
	queue   *Queue
	index   int
	gen     uint64
	payload []byte
	done    atomic.Bool
}

// Payload returns the command payload. The slice is owned by the caller.
func (c *Command) Payload() []byte {
	return c.payload
}

// Slot returns the ring index the command occupies.
func (c *Command) Slot() int {
	return c.index
}
