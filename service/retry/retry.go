// Package retry provides a bounded, fixed-delay retry loop for operations
// against eventually consistent on-chain state. The canonical user is the
// nonce manager: a nonce account confirmed at time T is often not readable
// until a few seconds later, and that lag resolves within a roughly fixed
// window, so the delay is deliberately constant rather than exponential.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Do invokes op immediately, then retries up to attempts more times,
// sleeping delay before each retry, and returns the first successful
// result. attempts is the retry count, not the invocation count: a budget
// of 3 with a 3s delay covers a full attempts x delay window (3 sleeps,
// 4 invocations) before the last error is returned. Every error is treated
// as retryable here; callers that need to distinguish terminal failures
// wrap op accordingly.
//
// The sleep is context-aware: cancellation aborts the loop immediately and
// returns the context error.
func Do[T any](ctx context.Context, attempts int, delay time.Duration, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if attempts < 1 {
		return zero, fmt.Errorf("retry: attempts must be at least 1, got %d", attempts)
	}

	var lastErr error
	for try := 0; try <= attempts; try++ {
		out, err := op(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if try == attempts {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	return zero, lastErr
}

// DoLogged is Do with per-attempt debug logging. The op name shows up in
// logs so a stuck retry loop can be attributed to its caller.
func DoLogged[T any](ctx context.Context, logger *slog.Logger, name string, attempts int, delay time.Duration, op func(context.Context) (T, error)) (T, error) {
	attempt := 0
	return Do(ctx, attempts, delay, func(ctx context.Context) (T, error) {
		attempt++
		out, err := op(ctx)
		if err != nil {
			logger.DebugContext(ctx, "retryable operation failed",
				"op", name,
				"attempt", attempt,
				"max_attempts", attempts,
				"delay", delay,
				"error", err,
			)
		}
		return out, err
	})
}
