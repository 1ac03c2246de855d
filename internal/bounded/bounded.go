package bounded

import (
	"context"
	"fmt"
	"time"

	"chaintrack/internal/apperr"
)

// Op is an upstream operation that honours ctx when it can.
type Op[T any] func(ctx context.Context) (T, error)

type result[T any] struct {
	value T
	err   error
}

// Call runs op and waits at most timeout for it. When the timer fires first the op's
// context is cancelled and whatever it eventually returns is dropped.
func Call[T any](ctx context.Context, timeout time.Duration, op Op[T]) (T, error) {
	var zero T
	if timeout <= 0 {
		return runOp(ctx, op)
	}

	opCtx, cancel := context.WithCancel(ctx)
	done := make(chan result[T], 1)
	go func() {
		v, err := runOp(opCtx, op)
		done <- result[T]{value: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		cancel()
		return res.value, res.err
	case <-timer.C:
		cancel()
		return zero, apperr.New(apperr.KindTimeout, fmt.Sprintf("upstream call exceeded %s", timeout))
	case <-ctx.Done():
		cancel()
		return zero, apperr.Wrap(apperr.KindTimeout, "upstream call abandoned", ctx.Err())
	}
}

func runOp[T any](ctx context.Context, op Op[T]) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperr.New(apperr.KindUpstream, fmt.Sprintf("upstream call panicked: %v", r))
		}
	}()
	v, err = op(ctx)
	if err != nil {
		if _, typed := apperr.As(err); !typed {
			err = apperr.Wrap(apperr.KindUpstream, "upstream call failed", err)
		}
	}
	return v, err
}
