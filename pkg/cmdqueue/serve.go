package cmdqueue

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Executor applies one command payload and produces the result payload.
type Executor interface {
	Execute(ctx context.Context, payload []byte) ([]byte, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, payload []byte) ([]byte, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, payload []byte) ([]byte, error) {
	return f(ctx, payload)
}

// Serve runs workers goroutines that take commands from q in order, execute
// them and complete them. It returns when ctx is done or q is closed.
//
// A failed execution completes the command with an empty result so its
// producer is never left waiting.
func Serve(ctx context.Context, q *Queue, exec Executor, workers int, logger *slog.Logger) error {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		worker := w
		g.Go(func() error {
			for {
				cmd, err := q.Next(ctx)
				if err != nil {
					if errors.Is(err, ErrClosed) || ctx.Err() != nil {
						return nil
					}
					return err
				}

				result, err := exec.Execute(ctx, cmd.Payload())
				if err != nil {
					logger.Warn("command execution failed", "worker", worker, "slot", cmd.Slot(), "error", err)
					result = nil
				}
				if err := q.Complete(cmd, result); err != nil {
					logger.Warn("command completion failed", "worker", worker, "slot", cmd.Slot(), "error", err)
					if errors.Is(err, ErrPayloadTooLarge) {
						_ = q.Complete(cmd, nil)
					}
				}
			}
		})
	}
	return g.Wait()
}
