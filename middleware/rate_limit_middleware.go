package middleware

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"jobwire/job"
)

// RateLimitMiddleware creates a token-bucket rate limiter over handler
// executions. Jobs arriving past the limit fail immediately rather than
// queueing inside the worker.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next job.Handler) job.Handler {
		return func(ctx context.Context, j *job.Job) ([]byte, error) {
			if !limiter.Allow() {
				return nil, fmt.Errorf("rate limit exceeded for %s", j.Function)
			}
			return next(ctx, j)
		}
	}
}
