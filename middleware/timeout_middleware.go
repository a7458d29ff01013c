package middleware

import (
	"context"
	"fmt"
	"time"

	"jobwire/job"
	"jobwire/protocol"
)

// TimeoutMiddleware bounds a handler's execution through its context
// deadline. The bound is cooperative: handlers must honor ctx, because an
// abandoned handler goroutine would race the session's connection through
// the job's reporter. A handler that overruns returns ErrTimeout and the
// job is failed.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next job.Handler) job.Handler {
		return func(ctx context.Context, j *job.Job) ([]byte, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			result, err := next(ctx, j)
			if err != nil && ctx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("%w: job %s exceeded %v", protocol.ErrTimeout, j.Handle, timeout)
			}
			return result, err
		}
	}
}
