package registry

// EtcdRegistry is the etcd-backed Registry.
//
// etcd is a distributed key-value store that provides strong consistency (Raft protocol).
// We use it as a "distributed phonebook" for hosts:
//
//	Key:   /wrpc/{host}/{addr}
//	Value: JSON-encoded Instance
//
// Registration uses TTL-based leases: if a host crashes, the lease expires and the entry
// is removed automatically, so no ghost instances remain.

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/wrpc/"

func hostPrefix(host string) string { return keyPrefix + host + "/" }

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease, revoked on Deregister
}

// EtcdOption configures an EtcdRegistry.
type EtcdOption func(*etcdOptions)

type etcdOptions struct {
	dialTimeout time.Duration
	logger      *zap.Logger
}

// WithDialTimeout bounds the initial connection to etcd.
func WithDialTimeout(d time.Duration) EtcdOption {
	return func(o *etcdOptions) { o.dialTimeout = d }
}

// WithEtcdLogger sets the logger of both the registry and the underlying etcd client.
func WithEtcdLogger(l *zap.Logger) EtcdOption {
	return func(o *etcdOptions) { o.logger = l }
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, opts ...EtcdOption) (*EtcdRegistry, error) {
	o := etcdOptions{dialTimeout: 5 * time.Second, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: o.dialTimeout,
		Logger:      o.logger,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{
		client: c,
		logger: o.logger,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

// Register adds an instance to etcd with a TTL lease.
//
// Flow:
//  1. Create a lease with the given TTL (e.g., 10 seconds)
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to automatically renew the lease
//
// The keepalive outlives ctx; it stops when the lease is revoked or the registry closed.
func (r *EtcdRegistry) Register(ctx context.Context, host string, instance Instance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := hostPrefix(host) + instance.Addr
	if _, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("key", key))
	}()
	return nil
}

// Deregister removes an instance from etcd and revokes its lease.
// Called during graceful shutdown before closing the listener.
func (r *EtcdRegistry) Deregister(ctx context.Context, host string, addr string) error {
	key := hostPrefix(host) + addr
	if _, err := r.client.Delete(ctx, key); err != nil {
		return err
	}

	r.mu.Lock()
	id, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		if _, err := r.client.Revoke(ctx, id); err != nil {
			r.logger.Warn("failed to revoke lease", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// Watch monitors a host prefix in etcd and emits updated instance lists whenever changes
// occur (new registrations, deregistrations, lease expirations).
//
// Uses etcd's Watch API (server-push), which is more efficient than polling.
func (r *EtcdRegistry) Watch(ctx context.Context, host string) <-chan []Instance {
	ch := make(chan []Instance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, hostPrefix(host), clientv3.WithPrefix())
		for range watchChan {
			// On any change, re-fetch the full instance list
			// (simpler than parsing individual watch events)
			instances, err := r.Discover(ctx, host)
			if err != nil {
				r.logger.Warn("failed to refresh instances", zap.String("host", host), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all currently registered instances of a host.
func (r *EtcdRegistry) Discover(ctx context.Context, host string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, hostPrefix(host), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed instance", zap.ByteString("key", kv.Key))
			continue
		}
		instances = append(instances, instance)
	}

	return instances, nil
}

// Close releases the etcd connection. Registered leases stop renewing and expire.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
