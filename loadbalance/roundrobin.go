package loadbalance

import (
	"fmt"
	"sync/atomic"

	"jobwire/registry"
)

// RoundRobinBalancer spreads sessions evenly across servers in order, using
// an atomic counter for lock-free goroutine safety.
//
// Best when every server has similar capacity and jobs have no affinity.
type RoundRobinBalancer struct {
	counter int64
}

// Pick selects the next server in rotation; the unique key is ignored.
func (b *RoundRobinBalancer) Pick(instances []registry.ServerInstance, _ string) (*registry.ServerInstance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no job servers available")
	}
	index := atomic.AddInt64(&b.counter, 1) % int64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
