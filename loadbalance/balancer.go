// Package loadbalance selects which job server a session connects to when
// more than one is available.
//
// Three strategies:
//   - RoundRobin:      interchangeable servers, even spread
//   - WeightedRandom:  heterogeneous servers (different capacity)
//   - ConsistentHash:  unique-key affinity — the same unique ID always
//     lands on the same server, so duplicate submissions coalesce there
package loadbalance

import "jobwire/registry"

// Balancer picks one job server from the discovered set. Pick receives the
// job's unique key; strategies that do not use affinity ignore it.
// Implementations must be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.ServerInstance, unique string) (*registry.ServerInstance, error)

	// Name returns the strategy name, for logging.
	Name() string
}
