package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"wrpc/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance (until the ring changes), which keeps a
// caller pinned to one host instance.
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the ring.
// Without virtual nodes, 3 instances might cluster together on the ring,
// causing uneven load distribution.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	mu       sync.RWMutex
	replicas int                          // Virtual nodes per real instance
	ring     []uint32                     // Sorted hash values on the ring
	nodes    map[uint32]registry.Instance // Hash value → instance mapping
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]registry.Instance),
	}
}

// Add places an instance onto the hash ring with N virtual nodes.
// Each virtual node is hashed from "{addr}#{i}" to spread evenly across the ring.
func (b *ConsistentHashBalancer) Add(instance registry.Instance) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := 0; i < b.replicas; i++ {
		hash := virtualHash(instance.Addr, i)
		if _, exists := b.nodes[hash]; !exists {
			b.ring = append(b.ring, hash)
		}
		b.nodes[hash] = instance
	}
	// Keep the ring sorted for binary search in Pick()
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Remove takes an instance's virtual nodes off the ring. Keys it owned move to the next
// node clockwise; every other key keeps its instance.
func (b *ConsistentHashBalancer) Remove(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := 0; i < b.replicas; i++ {
		hash := virtualHash(addr, i)
		if inst, ok := b.nodes[hash]; ok && inst.Addr == addr {
			delete(b.nodes, hash)
		}
	}
	ring := b.ring[:0]
	for _, h := range b.ring {
		if _, ok := b.nodes[h]; ok {
			ring = append(ring, h)
		}
	}
	b.ring = ring
}

// Set replaces the ring's instances with instances, e.g. after a registry Watch update.
func (b *ConsistentHashBalancer) Set(instances []registry.Instance) {
	b.mu.Lock()
	b.ring = nil
	b.nodes = make(map[uint32]registry.Instance)
	b.mu.Unlock()

	for _, inst := range instances {
		b.Add(inst)
	}
}

// Pick finds the instance responsible for the given key.
// It hashes the key, then binary-searches for the first node >= hash on the ring.
// If the hash is larger than all nodes, it wraps around to the first node (ring property).
//
// Note: Pick takes a string key (not []Instance) because consistent hashing
// is key-based; it doesn't implement the Balancer interface directly.
func (b *ConsistentHashBalancer) Pick(key string) (*registry.Instance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.ring) == 0 {
		return nil, registry.ErrNoInstances
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

func virtualHash(addr string, i int) uint32 {
	return crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", addr, i)))
}
