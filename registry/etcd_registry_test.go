package registry

import (
	"os"
	"testing"
	"time"
)

// Needs a live etcd; point JOBWIRE_ETCD at it (e.g. localhost:2379) to run.
func liveRegistry(t *testing.T) *EtcdRegistry {
	endpoint := os.Getenv("JOBWIRE_ETCD")
	if endpoint == "" {
		t.Skip("JOBWIRE_ETCD not set")
	}
	reg, err := NewEtcdRegistry([]string{endpoint})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRegisterAndDiscover(t *testing.T) {
	reg := liveRegistry(t)

	inst1 := ServerInstance{Addr: "127.0.0.1:4730", Weight: 10, Version: "1.0"}
	inst2 := ServerInstance{Addr: "127.0.0.1:4731", Weight: 5, Version: "1.0"}

	if err := reg.Register("jobs", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("jobs", inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover("jobs")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	if err := reg.Deregister("jobs", inst1.Addr); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	instances, err = reg.Discover("jobs")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 {
		t.Fatalf("expect 1 instance after deregister, got %d", len(instances))
	}
	if instances[0].Addr != inst2.Addr {
		t.Fatalf("expect %s, got %s", inst2.Addr, instances[0].Addr)
	}

	reg.Deregister("jobs", inst2.Addr)
}

func TestWatchSeesMembershipChange(t *testing.T) {
	reg := liveRegistry(t)

	ch := reg.Watch("watched")
	inst := ServerInstance{Addr: "127.0.0.1:4740", Weight: 1}
	if err := reg.Register("watched", inst, 10); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister("watched", inst.Addr)

	select {
	case instances := <-ch:
		found := false
		for _, got := range instances {
			if got.Addr == inst.Addr {
				found = true
			}
		}
		if !found {
			t.Fatalf("registered instance missing from watch update: %v", instances)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no watch update within 3s")
	}
}
