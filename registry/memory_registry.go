package registry

import (
	"context"
	"slices"
	"sync"
)

// MemoryRegistry keeps instances in process. TTLs are ignored: entries live until
// deregistered.
type MemoryRegistry struct {
	mu       sync.Mutex
	hosts    map[string][]Instance
	watchers map[string][]chan []Instance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		hosts:    make(map[string][]Instance),
		watchers: make(map[string][]chan []Instance),
	}
}

// Register adds instance, replacing any previous entry with the same address.
func (r *MemoryRegistry) Register(_ context.Context, host string, instance Instance, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := slices.DeleteFunc(r.hosts[host], func(i Instance) bool { return i.Addr == instance.Addr })
	r.hosts[host] = append(list, instance)
	r.notify(host)
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, host string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hosts[host] = slices.DeleteFunc(r.hosts[host], func(i Instance) bool { return i.Addr == addr })
	r.notify(host)
	return nil
}

func (r *MemoryRegistry) Discover(_ context.Context, host string) ([]Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.hosts[host]), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, host string) <-chan []Instance {
	ch := make(chan []Instance, 1)

	r.mu.Lock()
	r.watchers[host] = append(r.watchers[host], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		r.watchers[host] = slices.DeleteFunc(r.watchers[host], func(w chan []Instance) bool { return w == ch })
		close(ch)
	}()
	return ch
}

// notify hands watchers the latest list. A watcher that has not read the previous list
// gets it replaced. Must hold r.mu.
func (r *MemoryRegistry) notify(host string) {
	for _, ch := range r.watchers[host] {
		select {
		case <-ch:
		default:
		}
		ch <- slices.Clone(r.hosts[host])
	}
}
