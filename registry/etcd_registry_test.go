package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

// etcdEndpoints returns the endpoints of a test etcd, skipping the test when none is set.
func etcdEndpoints(t *testing.T) []string {
	t.Helper()
	v := os.Getenv("WRPC_TEST_ETCD")
	if v == "" {
		t.Skip("WRPC_TEST_ETCD not set")
	}
	return strings.Split(v, ",")
}

func TestRegisterAndDiscover(t *testing.T) {
	reg, err := NewEtcdRegistry(etcdEndpoints(t))
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()
	ctx := context.Background()

	// Register two instances
	inst1 := Instance{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := Instance{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0"}

	if err := reg.Register(ctx, "math", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, "math", inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover(ctx, "math")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	if err := reg.Deregister(ctx, "math", inst1.Addr); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)

	instances, err = reg.Discover(ctx, "math")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 {
		t.Fatalf("expect 1 instance after deregister, got %d", len(instances))
	}
	if instances[0].Addr != inst2.Addr {
		t.Fatalf("expect %s, got %s", inst2.Addr, instances[0].Addr)
	}

	reg.Deregister(ctx, "math", inst2.Addr)
}

func TestMemoryRegistry(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := reg.Watch(ctx, "math")

	if err := reg.Register(ctx, "math", Instance{Addr: ":8001", Weight: 1}, 10); err != nil {
		t.Fatal(err)
	}
	// Re-registering the same address replaces the entry
	if err := reg.Register(ctx, "math", Instance{Addr: ":8001", Weight: 3}, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, "math", Instance{Addr: ":8002", Weight: 1}, 10); err != nil {
		t.Fatal(err)
	}

	instances, _ := reg.Discover(ctx, "math")
	if len(instances) != 2 || instances[0].Addr != ":8001" || instances[0].Weight != 3 {
		t.Fatalf("expect :8001 with replaced weight 3 and :8002, got %+v", instances)
	}

	select {
	case latest := <-updates:
		if len(latest) != 2 {
			t.Fatalf("watch should carry the latest list, got %+v", latest)
		}
	case <-time.After(time.Second):
		t.Fatal("no watch update")
	}

	reg.Deregister(ctx, "math", ":8001")
	instances, _ = reg.Discover(ctx, "math")
	if len(instances) != 1 || instances[0].Addr != ":8002" {
		t.Fatalf("expect only :8002 left, got %+v", instances)
	}

	if others, _ := reg.Discover(ctx, "greet"); len(others) != 0 {
		t.Fatalf("expect no instances for an unknown host, got %+v", others)
	}

	cancel()
	for range updates {
	}
}
