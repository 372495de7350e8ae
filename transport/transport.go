// Package transport provides the message channels a client and a host talk over.
//
// A Transport moves opaque payloads in one direction per call to Send and delivers
// inbound payloads to every subscribed Listener. Delivery is fire-and-forget and ordered
// per direction; pairing a response with its request is left to the caller, which matches
// on the id inside the message.
//
//	client ──Send(request)──►  ┌───────────┐  ──Listener(request)──► host
//	client ◄──Listener(resp)── │ Transport │  ◄──Send(response)───── host
//	                           └───────────┘
//
// Implementations:
//   - Pipe:   in-memory connected pair, for embedding both sides in one process and tests
//   - Stream: framed messages over any io.ReadWriteCloser (TCP, stdio pipes)
//   - AMQP:   RabbitMQ exchange/queue pair
package transport

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Send once the transport has been closed.
var ErrClosed = errors.New("transport: closed")

// Listener receives one inbound payload. It is invoked from the transport's delivery
// goroutine, in arrival order, and must not block for long.
type Listener func(payload []byte)

// Transport is the channel between client and host.
type Transport interface {
	// Send queues payload for delivery to the peer. It does not wait for a reply.
	Send(payload []byte) error
	// Subscribe attaches l to inbound traffic. The returned func detaches it and is
	// safe to call more than once.
	Subscribe(l Listener) (unsubscribe func())
}

// listeners is the subscriber set shared by the implementations.
type listeners struct {
	mu   sync.RWMutex
	next uint64
	m    map[uint64]Listener
}

func (ls *listeners) add(l Listener) func() {
	ls.mu.Lock()
	if ls.m == nil {
		ls.m = make(map[uint64]Listener)
	}
	id := ls.next
	ls.next++
	ls.m[id] = l
	ls.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ls.mu.Lock()
			delete(ls.m, id)
			ls.mu.Unlock()
		})
	}
}

func (ls *listeners) deliver(payload []byte) {
	ls.mu.RLock()
	snapshot := make([]Listener, 0, len(ls.m))
	for _, l := range ls.m {
		snapshot = append(snapshot, l)
	}
	ls.mu.RUnlock()

	for _, l := range snapshot {
		l(payload)
	}
}

func (ls *listeners) len() int {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return len(ls.m)
}
