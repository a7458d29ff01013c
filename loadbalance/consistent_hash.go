package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"jobwire/registry"
)

// ConsistentHashBalancer maps a job's unique key to a server on a hash
// ring, so resubmissions of the same unique ID reach the same server and
// coalesce into one queued job there.
//
// Each server is placed on the ring as N virtual nodes; without them a
// small cluster tends to clump on the ring and load skews badly.
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	ring  []uint32
	nodes map[uint32]registry.ServerInstance
	seen  string // fingerprint of the instance set the ring was built from
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per server.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]registry.ServerInstance),
	}
}

// Pick hashes the unique key onto the ring and walks clockwise to the first
// virtual node. The ring is rebuilt lazily whenever the instance set
// changes. An empty unique key degrades to whatever node hash("") lands on,
// which is stable but affinity-free.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServerInstance, unique string) (*registry.ServerInstance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no job servers available")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebuild(instances)

	hash := crc32.ChecksumIEEE([]byte(unique))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0 // wrap around: ring property
	}
	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

// rebuild repopulates the ring when the instance set differs from the one
// it was last built from.
func (b *ConsistentHashBalancer) rebuild(instances []registry.ServerInstance) {
	fingerprint := ""
	for _, inst := range instances {
		fingerprint += inst.Addr + ";"
	}
	if fingerprint == b.seen {
		return
	}

	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.ServerInstance, len(instances)*b.replicas)
	for _, inst := range instances {
		for i := 0; i < b.replicas; i++ {
			h := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", inst.Addr, i)))
			b.ring = append(b.ring, h)
			b.nodes[h] = inst
		}
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
	b.seen = fingerprint
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
