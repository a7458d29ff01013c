// Package registry provides job-server discovery.
//
// The etcd implementation stores the cluster membership as a key per server:
//
//	Key:   /jobwire/{cluster}/{addr}
//	Value: JSON-encoded ServerInstance
//
// Registration uses TTL-based leases: a job server that crashes stops
// renewing its lease and the entry expires on its own, so clients never
// discover a ghost server.
package registry

import (
	"context"
	"encoding/json"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/jobwire/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c}, nil
}

// Register adds a job server to the cluster with a TTL lease and starts
// background lease renewal. If renewal ever stops, the entry auto-expires.
func (r *EtcdRegistry) Register(cluster string, instance ServerInstance, ttlSeconds int64) error {
	ctx := context.TODO()

	lease, err := r.client.Grant(ctx, ttlSeconds)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, keyPrefix+cluster+"/"+instance.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}
	// Drain renewal responses so the channel never fills up.
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes a job server from the cluster. Called during graceful
// shutdown, before the server stops accepting connections.
func (r *EtcdRegistry) Deregister(cluster string, addr string) error {
	_, err := r.client.Delete(context.TODO(), keyPrefix+cluster+"/"+addr)
	return err
}

// Discover returns the currently registered servers of the cluster.
func (r *EtcdRegistry) Discover(cluster string) ([]ServerInstance, error) {
	resp, err := r.client.Get(context.TODO(), keyPrefix+cluster+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	instances := make([]ServerInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst ServerInstance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			continue // skip unreadable entries rather than failing discovery
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Watch emits the full membership list whenever the cluster changes:
// registrations, deregistrations, or lease expirations.
func (r *EtcdRegistry) Watch(cluster string) <-chan []ServerInstance {
	ch := make(chan []ServerInstance, 1)
	go func() {
		watchChan := r.client.Watch(context.TODO(), keyPrefix+cluster+"/", clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch on any change; simpler than folding watch events
			// into an incremental view.
			instances, err := r.Discover(cluster)
			if err != nil {
				continue
			}
			ch <- instances
		}
	}()
	return ch
}

// Close releases the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
