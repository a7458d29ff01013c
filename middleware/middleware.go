// Package middleware wraps job handlers with cross-cutting behavior:
// logging, timeouts, rate limiting, panic recovery. Middleware composes
// like an onion; the first middleware in a chain is the outermost layer.
package middleware

import "jobwire/job"

// Middleware wraps a handler with additional behavior.
type Middleware func(next job.Handler) job.Handler

// Chain combines multiple middleware into one, outermost first.
func Chain(middlewares ...Middleware) Middleware {
	return func(next job.Handler) job.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
