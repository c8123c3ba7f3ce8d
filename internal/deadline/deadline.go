// Package deadline runs a blocking call with an upper bound on how long the
// caller waits for it.
package deadline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when the call does not finish within its timeout.
var ErrTimeout = errors.New("operation timed out")

type result[T any] struct {
	val T
	err error
}

// Call runs fn with a context that expires after timeout. If fn has not
// returned by then, Call returns ErrTimeout without waiting for it; fn keeps
// running until it observes its context. A panic in fn is returned as an error.
func Call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- result[T]{val: zero, err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		done <- result[T]{val: v, err: err}
	}()

	select {
	case r := <-done:
		// fn may have failed because it saw the deadline first
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return r.val, fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, r.err)
		}
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return zero, ctx.Err()
	}
}

// Do is Call for functions that only return an error.
func Do(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	_, err := Call(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
