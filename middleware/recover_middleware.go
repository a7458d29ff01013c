package middleware

import (
	"context"
	"fmt"

	"jobwire/job"
)

// RecoverMiddleware converts a handler panic into a plain job failure, for
// deployments that prefer failed jobs over exception reports.
func RecoverMiddleware() Middleware {
	return func(next job.Handler) job.Handler {
		return func(ctx context.Context, j *job.Job) (result []byte, err error) {
			defer func() {
				if r := recover(); r != nil {
					result = nil
					err = fmt.Errorf("handler panic: %v", r)
				}
			}()
			return next(ctx, j)
		}
	}
}
