// Package client calls procedures on a host across a transport.
//
// Every Call gets a fresh id and a pending entry keyed by it. The entry is registered
// before the request leaves, so a response can never arrive for an id nobody waits on.
// The client's single transport listener settles entries as responses come back, in any
// order; responses for ids it does not know are dropped without a trace.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wrpc/codec"
	"wrpc/loadbalance"
	"wrpc/message"
	"wrpc/registry"
	"wrpc/transport"
)

var (
	// ErrTransportUnavailable is returned by New when there is no transport to talk over.
	ErrTransportUnavailable = errors.New("client: transport unavailable")
	// ErrTimeout is returned when no response arrived within the client's timeout.
	ErrTimeout = errors.New("client: call timed out")
	// ErrClosed is returned for calls made on, or still pending at, a closed client.
	ErrClosed = errors.New("client: closed")
)

// RemoteError is a failure reported by the host. Only its message crosses the wire.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

type options struct {
	codec         codec.Codec
	logger        *zap.Logger
	timeout       time.Duration
	newID         func() string
	streamOptions []transport.StreamOption
}

// Option configures a Client.
type Option func(*options)

// WithCodec sets the codec used for requests and responses. It must match the host's.
func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTimeout bounds how long a call waits for its response. Zero waits until the call's
// context is done.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithIDGenerator replaces the random UUID request ids. Ids must be unique among the
// calls in flight.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

// WithStreamOptions configures the stream Discover dials.
func WithStreamOptions(opts ...transport.StreamOption) Option {
	return func(o *options) { o.streamOptions = append(o.streamOptions, opts...) }
}

type result struct {
	msg *message.Message
	err error
}

// Client is safe for concurrent use.
type Client struct {
	transport   transport.Transport
	codec       codec.Codec
	logger      *zap.Logger
	timeout     time.Duration
	newID       func() string
	unsubscribe func()
	owned       io.Closer // stream dialed by Discover, closed with the client

	pending   sync.Map // id → chan result
	closed    atomic.Bool
	closeOnce sync.Once
}

// New attaches a client to t.
func New(t transport.Transport, opts ...Option) (*Client, error) {
	if t == nil {
		return nil, ErrTransportUnavailable
	}
	o := buildOptions(opts)

	c := &Client{
		transport: t,
		codec:     o.codec,
		logger:    o.logger,
		timeout:   o.timeout,
		newID:     o.newID,
	}
	c.unsubscribe = t.Subscribe(c.onMessage)
	return c, nil
}

func buildOptions(opts []Option) options {
	o := options{
		codec:  codec.Default(),
		logger: zap.NewNop(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Discover finds an instance of host in reg, picks one with bal (round robin when nil),
// dials it and returns a client bound to that connection. Closing the client closes the
// connection.
func Discover(ctx context.Context, reg registry.Registry, bal loadbalance.Balancer, host string, opts ...Option) (*Client, error) {
	if bal == nil {
		bal = &loadbalance.RoundRobinBalancer{}
	}

	instances, err := reg.Discover(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("client: discover %s: %w", host, err)
	}
	inst, err := bal.Pick(instances)
	if err != nil {
		return nil, fmt.Errorf("client: discover %s: %w", host, err)
	}

	o := buildOptions(opts)
	stream, err := transport.Dial(ctx, inst.Addr, append([]transport.StreamOption{
		transport.WithStreamLogger(o.logger),
	}, o.streamOptions...)...)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s at %s: %w", host, inst.Addr, err)
	}
	o.logger.Debug("connected",
		zap.String("host", host), zap.String("addr", inst.Addr), zap.String("balancer", bal.Name()))

	c, err := New(stream, opts...)
	if err != nil {
		stream.Close()
		return nil, err
	}
	c.owned = stream

	// A connection lost under the client fails whatever is still waiting
	go func() {
		<-stream.Done()
		c.Close()
	}()
	return c, nil
}

// Call invokes the procedure at path with input and waits for its result.
//
// A nil input is sent as no input at all, a json.RawMessage as is, and anything else is
// JSON-encoded. A failure reported by the host comes back as *RemoteError.
func (c *Client) Call(ctx context.Context, path string, input any) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	raw, err := encodeInput(input)
	if err != nil {
		return nil, fmt.Errorf("client: encode input of %s: %w", path, err)
	}

	id := c.newID()
	ch := make(chan result, 1)
	if _, loaded := c.pending.LoadOrStore(id, ch); loaded {
		return nil, fmt.Errorf("client: request id %q already in flight", id)
	}

	// Close may have swept the pending map before our entry landed
	if c.closed.Load() {
		c.pending.Delete(id)
		return nil, ErrClosed
	}

	data, err := c.codec.Encode(message.NewRequest(id, path, raw))
	if err != nil {
		c.pending.Delete(id)
		return nil, fmt.Errorf("client: encode request: %w", err)
	}
	if err := c.transport.Send(data); err != nil {
		c.pending.Delete(id)
		c.logger.Warn("failed to send request", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("client: send %s: %w", path, err)
	}

	var timeout <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-ch:
		return r.settle()
	case <-ctx.Done():
		c.pending.Delete(id)
		return nil, ctx.Err()
	case <-timeout:
		c.pending.Delete(id)
		return nil, ErrTimeout
	}
}

// Call invokes path on c and decodes the result into O.
func Call[O any](ctx context.Context, c *Client, path string, input any) (O, error) {
	var out O
	raw, err := c.Call(ctx, path, input)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("client: decode result of %s: %w", path, err)
	}
	return out, nil
}

func (r result) settle() (json.RawMessage, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.msg.Kind == message.KindError {
		return nil, &RemoteError{Message: r.msg.ErrorMessage()}
	}
	return r.msg.Result, nil
}

func encodeInput(input any) (json.RawMessage, error) {
	switch v := input.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	return json.Marshal(input)
}

// onMessage is the client's only transport listener.
func (c *Client) onMessage(payload []byte) {
	var msg message.Message
	if err := c.codec.Decode(payload, &msg); err != nil {
		return
	}
	if !msg.IsResponse() {
		return
	}

	// LoadAndDelete hands each entry to exactly one response; duplicates find nothing
	v, ok := c.pending.LoadAndDelete(msg.ID)
	if !ok {
		return
	}
	v.(chan result) <- result{msg: &msg}
}

// Pending reports how many calls are waiting for a response.
func (c *Client) Pending() int {
	n := 0
	c.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close detaches the client from its transport and fails every pending call with
// ErrClosed. A connection dialed by Discover is closed too.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.unsubscribe()

		c.pending.Range(func(key, v any) bool {
			if _, ok := c.pending.LoadAndDelete(key); ok {
				v.(chan result) <- result{err: ErrClosed}
			}
			return true
		})

		if c.owned != nil {
			err = c.owned.Close()
		}
	})
	return err
}
