// Package registry tracks which addresses serve a host, so clients can find one to dial.
package registry

import (
	"context"
	"errors"
)

// ErrNoInstances is returned when a host has nothing registered.
var ErrNoInstances = errors.New("registry: no instances available")

// Instance is one reachable copy of a host.
type Instance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, host string, instance Instance, ttl int64) error
	Deregister(ctx context.Context, host string, addr string) error
	Discover(ctx context.Context, host string) ([]Instance, error)
	// Watch emits the full instance list of host every time it changes, until ctx is done.
	Watch(ctx context.Context, host string) <-chan []Instance
}
