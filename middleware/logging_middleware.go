package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"jobwire/job"
)

// LoggingMiddleware logs each job's function, handle, duration and outcome.
func LoggingMiddleware(logger *zap.SugaredLogger) Middleware {
	return func(next job.Handler) job.Handler {
		return func(ctx context.Context, j *job.Job) ([]byte, error) {
			start := time.Now()
			result, err := next(ctx, j)
			duration := time.Since(start)
			if err != nil {
				logger.Errorw("job failed",
					"function", j.Function,
					"handle", j.Handle,
					"duration", duration,
					"error", err,
				)
			} else {
				logger.Infow("job completed",
					"function", j.Function,
					"handle", j.Handle,
					"duration", duration,
					"bytes", len(result),
				)
			}
			return result, err
		}
	}
}
