package cmdqueue

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoExecutor() Executor {
	return ExecutorFunc(func(_ context.Context, payload []byte) ([]byte, error) {
		out := append([]byte("re:"), payload...)
		return out, nil
	})
}

func startServe(t *testing.T, q *Queue, exec Executor, workers int) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, q, exec, workers, nil) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("Serve did not stop")
		}
	})
	return cancel
}

func TestSubmitRoundTrip(t *testing.T) {
	q := New(Config{})
	assert.Equal(t, DefaultCapacity, q.Cap())
	assert.Equal(t, DefaultSlotSize, q.SlotSize())

	startServe(t, q, echoExecutor(), 1)

	got, err := q.Submit(context.Background(), []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte("re:ping"), got)
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, time.Millisecond)
}

func TestSubmitPayloadTooLarge(t *testing.T) {
	q := New(Config{Capacity: 2, SlotSize: 8})

	_, err := q.Submit(context.Background(), make([]byte, 9))
	require.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Equal(t, 0, q.Len(), "oversized submission must not consume a slot")
}

func TestCompletionOrderMatchesSubmissionOrder(t *testing.T) {
	const n = 50
	q := New(Config{Capacity: 8})

	var mu sync.Mutex
	var executed []uint32
	exec := ExecutorFunc(func(_ context.Context, p []byte) ([]byte, error) {
		mu.Lock()
		executed = append(executed, binary.BigEndian.Uint32(p))
		mu.Unlock()
		return p, nil
	})

	var wg sync.WaitGroup
	results := make([][]byte, n)
	// The first Cap() producers claim slots one after another before the
	// executor starts, so their order is fixed. The rest block on the full
	// ring and race for freed slots, so only their completeness is checked.
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var p [4]byte
			binary.BigEndian.PutUint32(p[:], uint32(i))
			res, err := q.Submit(context.Background(), p[:])
			assert.NoError(t, err)
			results[i] = res
		}(i)
		if i < q.Cap() {
			want := i + 1
			require.Eventually(t, func() bool { return q.Len() == want }, time.Second, time.Millisecond)
		}
	}
	assert.Equal(t, q.Cap(), q.Len())

	startServe(t, q, exec, 1)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, executed, n)
	for i := 0; i < q.Cap(); i++ {
		assert.Equal(t, uint32(i), executed[i], "claimed entries must execute in claim order")
	}
	for i := 1; i < len(executed); i++ {
		assert.NotEqual(t, executed[i-1], executed[i])
	}
	for i, res := range results {
		assert.Equal(t, uint32(i), binary.BigEndian.Uint32(res))
	}
}

func TestBackpressureReleasesAllProducers(t *testing.T) {
	q := New(Config{Capacity: 4})
	const producers = 20

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := q.Submit(context.Background(), []byte{byte(i)})
			assert.NoError(t, err)
			assert.Equal(t, []byte{'r', 'e', ':', byte(i)}, res)
		}(i)
	}

	require.Eventually(t, func() bool { return q.Len() == 4 }, time.Second, time.Millisecond)

	startServe(t, q, echoExecutor(), 2)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("blocked producers never completed")
	}
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, time.Millisecond)
}

func TestSubmitCancelledWhileFull(t *testing.T) {
	q := New(Config{Capacity: 1})

	go func() { _, _ = q.Submit(context.Background(), []byte("a")) }()
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Submit(ctx, []byte("b"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, q.Len())

	q.Close()
}

func TestAbandonedCommandIsSkipped(t *testing.T) {
	q := New(Config{Capacity: 4})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Submit(ctx, []byte("stale"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	res := make(chan []byte, 1)
	go func() {
		out, err := q.Submit(context.Background(), []byte("fresh"))
		assert.NoError(t, err)
		res <- out
	}()

	cmd, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), cmd.Payload())
	require.NoError(t, q.Complete(cmd, []byte("ok")))
	assert.Equal(t, []byte("ok"), <-res)

	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, time.Millisecond)
}

func TestAbandonedAfterDispatchIsReclaimed(t *testing.T) {
	q := New(Config{Capacity: 2})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Submit(ctx, []byte("slow"))
		errCh <- err
	}()

	cmd, err := q.Next(context.Background())
	require.NoError(t, err)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	require.NoError(t, q.Complete(cmd, []byte("late")))
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, time.Millisecond)
}

func TestSubmitCancelledWaitingForSlotLock(t *testing.T) {
	q := New(Config{Capacity: 1})

	// Hold the slot lock as a stalled executor would.
	q.slots[0].mu.Lock()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Submit(ctx, []byte("stuck"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	q.slots[0].mu.Unlock()

	startServe(t, q, echoExecutor(), 1)

	got, err := q.Submit(context.Background(), []byte("next"))
	require.NoError(t, err)
	assert.Equal(t, []byte("re:next"), got)
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, time.Millisecond)
}

func TestCompleteTwice(t *testing.T) {
	q := New(Config{Capacity: 2})
	go func() { _, _ = q.Submit(context.Background(), []byte("x")) }()

	cmd, err := q.Next(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.Complete(cmd, nil))
	assert.ErrorIs(t, q.Complete(cmd, nil), ErrNotTaken)
	assert.ErrorIs(t, q.Complete(nil, nil), ErrNotTaken)
}

func TestCompleteResultTooLarge(t *testing.T) {
	q := New(Config{Capacity: 2, SlotSize: 4})
	exec := ExecutorFunc(func(context.Context, []byte) ([]byte, error) {
		return bytes.Repeat([]byte{1}, 5), nil
	})
	startServe(t, q, exec, 1)

	res, err := q.Submit(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestExecutorErrorCompletesEmpty(t *testing.T) {
	q := New(Config{Capacity: 2})
	exec := ExecutorFunc(func(context.Context, []byte) ([]byte, error) {
		return []byte("ignored"), errors.New("boom")
	})
	startServe(t, q, exec, 1)

	res, err := q.Submit(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestCloseUnblocksCallers(t *testing.T) {
	q := New(Config{Capacity: 1})

	nextErr := make(chan error, 1)
	go func() {
		_, err := q.Next(context.Background())
		nextErr <- err
	}()
	require.Eventually(t, func() bool { return q.newEntry.Waiters() == 1 }, time.Second, time.Millisecond)
	q.Close()
	assert.ErrorIs(t, <-nextErr, ErrClosed)

	_, err := q.Submit(context.Background(), []byte("late"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMultipleWorkersDispatchEachCommandOnce(t *testing.T) {
	q := New(Config{Capacity: 16})

	var mu sync.Mutex
	seen := make(map[byte]int)
	exec := ExecutorFunc(func(_ context.Context, p []byte) ([]byte, error) {
		mu.Lock()
		seen[p[0]]++
		mu.Unlock()
		return p, nil
	})
	startServe(t, q, exec, 4)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := q.Submit(context.Background(), []byte{byte(i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 100)
	for k, v := range seen {
		assert.Equal(t, 1, v, "command %d executed %d times", k, v)
	}
}
