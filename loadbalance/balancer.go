// Package loadbalance provides strategies for choosing which host instance a client dials.
//
// Three strategies are implemented:
//   - RoundRobin:      Interchangeable instances
//   - WeightedRandom:  Heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  Sticky placement of a caller key on one instance
package loadbalance

import "wrpc/registry"

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before dialing a host.
type Balancer interface {
	// Pick selects one instance from the available list.
	// Must be goroutine-safe.
	Pick(instances []registry.Instance) (*registry.Instance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
