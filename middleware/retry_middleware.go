package middleware

import (
	"context"
	"errors"
	"time"

	"jobwire/job"
	"jobwire/protocol"
)

// RetryMiddleware re-runs a handler that failed with a transient error,
// with exponential backoff. Only timeouts and lost connections retry;
// anything else is assumed to be a real job failure and returns at once.
// The job's streamed updates from failed attempts have already reached the
// client, so retried handlers should be idempotent in what they stream.
func RetryMiddleware(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next job.Handler) job.Handler {
		return func(ctx context.Context, j *job.Job) ([]byte, error) {
			result, err := next(ctx, j)
			for i := 0; i < maxRetries && err != nil; i++ {
				if !errors.Is(err, protocol.ErrTimeout) && !errors.Is(err, protocol.ErrLostConnection) {
					return result, err
				}
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				result, err = next(ctx, j)
			}
			return result, err
		}
	}
}
