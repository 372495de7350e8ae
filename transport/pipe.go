package transport

import (
	"sync"
)

// pipeBuffer is the number of payloads a direction queues before Send blocks.
const pipeBuffer = 1024

// Endpoint is one side of an in-memory Pipe.
type Endpoint struct {
	in   *direction // payloads addressed to this endpoint
	out  *direction // payloads addressed to the peer
	pipe *pipe
}

type pipe struct {
	once sync.Once
	done chan struct{}
}

// direction is a single ordered lane: one queue, one delivery goroutine.
type direction struct {
	queue chan []byte
	subs  listeners
	done  <-chan struct{}
}

// Pipe returns two connected endpoints. What host sends is delivered to client's
// listeners and vice versa. Each direction is drained by its own goroutine, so payloads
// arrive in the order they were sent and Send never runs a listener inline.
func Pipe() (host, client *Endpoint) {
	p := &pipe{done: make(chan struct{})}
	toHost := newDirection(p.done)
	toClient := newDirection(p.done)

	host = &Endpoint{in: toHost, out: toClient, pipe: p}
	client = &Endpoint{in: toClient, out: toHost, pipe: p}
	return host, client
}

func newDirection(done <-chan struct{}) *direction {
	d := &direction{
		queue: make(chan []byte, pipeBuffer),
		done:  done,
	}
	go d.run()
	return d
}

func (d *direction) run() {
	for {
		select {
		case payload := <-d.queue:
			d.subs.deliver(payload)
		case <-d.done:
			return
		}
	}
}

// Send copies payload and queues it for the peer.
func (e *Endpoint) Send(payload []byte) error {
	select {
	case <-e.pipe.done:
		return ErrClosed
	default:
	}

	buf := append([]byte(nil), payload...)
	select {
	case e.out.queue <- buf:
		return nil
	case <-e.pipe.done:
		return ErrClosed
	}
}

// Subscribe attaches l to payloads sent by the peer.
func (e *Endpoint) Subscribe(l Listener) func() {
	return e.in.subs.add(l)
}

// Listeners reports how many listeners are attached to this endpoint.
func (e *Endpoint) Listeners() int {
	return e.in.subs.len()
}

// Close shuts down both directions. Queued payloads that were not delivered yet are
// dropped.
func (e *Endpoint) Close() error {
	e.pipe.once.Do(func() { close(e.pipe.done) })
	return nil
}
