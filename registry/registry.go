package registry

// ServerInstance describes one job server in a cluster.
type ServerInstance struct {
	Addr    string // host:port of the job server's binary protocol listener
	Weight  int    // relative capacity, consumed by weighted balancers
	Version string
}

// Registry tracks the job servers of a named cluster. Servers (or the
// operator tooling that deploys them) Register themselves; clients and
// workers Discover the live set instead of hard-coding host:port pairs.
type Registry interface {
	Register(cluster string, instance ServerInstance, ttlSeconds int64) error
	Deregister(cluster string, addr string) error
	Discover(cluster string) ([]ServerInstance, error)
	Watch(cluster string) <-chan []ServerInstance
}
