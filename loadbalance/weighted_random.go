package loadbalance

import (
	"fmt"
	"math/rand"

	"jobwire/registry"
)

// WeightedRandomBalancer picks servers at random in proportion to their
// registered weight. Suits clusters with mixed hardware.
type WeightedRandomBalancer struct{}

// Pick draws a random point in the total weight and walks to the server
// that owns it; the unique key is ignored. Servers with weight 0 are never
// picked unless every weight is 0, in which case the pick is uniform.
func (b *WeightedRandomBalancer) Pick(instances []registry.ServerInstance, _ string) (*registry.ServerInstance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no job servers available")
	}

	totalWeight := 0
	for _, v := range instances {
		totalWeight += v.Weight
	}
	if totalWeight == 0 {
		return &instances[rand.Intn(len(instances))], nil
	}

	r := rand.Intn(totalWeight)
	for i := range instances {
		r -= instances[i].Weight
		if r < 0 {
			return &instances[i], nil
		}
	}
	return nil, fmt.Errorf("unexpected fallthrough in weighted selection")
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
