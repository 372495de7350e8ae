package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"wrpc/codec"
	"wrpc/message"
	"wrpc/middleware"
	"wrpc/router"
	"wrpc/transport"
)

// unknownError is the message sent when a failure has nothing presentable to say.
const unknownError = "Unknown error"

var errUnknown = errors.New(unknownError)

// Dispatcher serves one router over one transport.
//
// It owns no state across requests: each rpc/request is resolved, validated and executed
// on its own goroutine, and answered with exactly one rpc/success or rpc/error carrying
// the request's id. Responses may leave in a different order than their requests arrived.
type Dispatcher struct {
	router      router.Router
	transport   transport.Transport
	codec       codec.Codec
	hostContext func(ctx context.Context) any
	logger      *zap.Logger
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(businessHandler)))

	baseCtx context.Context
	cancel  context.CancelFunc

	mu          sync.Mutex
	started     bool
	closed      bool
	unsubscribe func()
	wg          sync.WaitGroup // in-flight requests
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHostContext sets the factory that builds the host context handed to every resolver.
// It runs once per request.
func WithHostContext(fn func(ctx context.Context) any) Option {
	return func(d *Dispatcher) { d.hostContext = fn }
}

// WithStaticHostContext hands the same host context to every resolver.
func WithStaticHostContext(hc any) Option {
	return WithHostContext(func(context.Context) any { return hc })
}

// WithCodec sets the codec used to read requests and write responses.
func WithCodec(c codec.Codec) Option {
	return func(d *Dispatcher) { d.codec = c }
}

// WithLogger sets the dispatcher's logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMiddleware appends middlewares, applied in the order given.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(d *Dispatcher) { d.middlewares = append(d.middlewares, mws...) }
}

// NewDispatcher creates a dispatcher for r. It does not listen until Start is called.
func NewDispatcher(r router.Router, t transport.Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		router:    r,
		transport: t,
		codec:     codec.Default(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}

	// Build the middleware chain once, not per request
	d.handler = middleware.Chain(d.middlewares...)(d.businessHandler)
	d.baseCtx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Start attaches the dispatcher's single listener to the transport.
func (d *Dispatcher) Start() error {
	if d.transport == nil {
		return errors.New("server: dispatcher has no transport")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("server: dispatcher is shut down")
	}
	if d.started {
		return errors.New("server: dispatcher already started")
	}
	d.started = true
	d.unsubscribe = d.transport.Subscribe(d.onMessage)
	return nil
}

// Shutdown detaches the listener and waits up to timeout for in-flight requests to send
// their responses. Resolvers still running afterwards see their context cancelled.
// A timeout of zero waits indefinitely.
func (d *Dispatcher) Shutdown(timeout time.Duration) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
	d.mu.Unlock()
	defer d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
}

// onMessage is the transport listener. Anything that is not an admitted rpc/request is
// ignored.
func (d *Dispatcher) onMessage(payload []byte) {
	var msg message.Message
	decodeErr := d.codec.Decode(payload, &msg)
	if errors.Is(decodeErr, message.ErrNotMessage) {
		return
	}
	// A request with a malformed field still carries an id to answer
	if decodeErr != nil && (!msg.IsRequest() || msg.ID == "") {
		d.logger.Debug("dropping undecodable payload", zap.Error(decodeErr))
		return
	}
	if !msg.IsRequest() {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	// A slow resolver must not hold up the requests queued behind it
	go d.handleRequest(&msg, decodeErr)
}

func (d *Dispatcher) handleRequest(req *message.Message, decodeErr error) {
	defer d.wg.Done()

	var resp *message.Message
	if decodeErr != nil {
		d.logger.Warn("malformed request", zap.String("id", req.ID), zap.Error(decodeErr))
		resp = message.NewError(req.ID, invalidRequest(decodeErr))
	} else {
		resp = d.Handle(d.baseCtx, req)
	}

	data, err := d.codec.Encode(resp)
	if err != nil {
		d.logger.Error("failed to encode response", zap.String("id", req.ID), zap.Error(err))
		if data, err = d.codec.Encode(message.NewError(req.ID, unknownError)); err != nil {
			return
		}
	}

	if err := d.transport.Send(data); err != nil {
		d.logger.Warn("failed to send response",
			zap.String("id", req.ID), zap.String("path", req.Path), zap.Error(err))
	}
}

// invalidRequest describes a request envelope that could not be decoded.
func invalidRequest(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return fmt.Sprintf("Invalid request: %s: expected %s, got %s", typeErr.Field, typeErr.Type, typeErr.Value)
	}
	return "Invalid request: " + err.Error()
}

// Handle runs req through the middleware chain and the router and returns its response.
// It never panics and always answers with req's id.
func (d *Dispatcher) Handle(ctx context.Context, req *message.Message) (resp *message.Message) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("middleware panicked", zap.String("path", req.Path), zap.Any("panic", r))
			resp = message.NewError(req.ID, unknownError)
		}
	}()

	resp = d.handler(ctx, req)
	if resp == nil {
		resp = message.NewError(req.ID, unknownError)
	}
	resp.ID = req.ID
	return resp
}

// businessHandler resolves, validates and executes one request.
// Middlewares may run it on a goroutine of their own, so it recovers by itself.
func (d *Dispatcher) businessHandler(ctx context.Context, req *message.Message) (resp *message.Message) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked", zap.String("path", req.Path), zap.Any("panic", r))
			resp = message.NewError(req.ID, unknownError)
		}
	}()

	proc, err := router.Resolve(d.router, req.Path)
	if err != nil {
		return message.NewError(req.ID, err.Error())
	}

	input, err := proc.Validate(req.Input)
	if err != nil {
		return message.NewError(req.ID, "Invalid input: "+err.Error())
	}

	result, err := d.invoke(ctx, req, proc, input)
	if err != nil {
		return message.NewError(req.ID, errorMessage(err))
	}

	data, err := json.Marshal(result)
	if err != nil {
		d.logger.Error("failed to marshal result", zap.String("path", req.Path), zap.Error(err))
		return message.NewError(req.ID, unknownError)
	}
	return message.NewSuccess(req.ID, data)
}

// invoke builds the host context and calls the resolver, turning a panic in either into
// an error so it cannot escape the dispatcher.
func (d *Dispatcher) invoke(ctx context.Context, req *message.Message, proc *router.Procedure, input any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("resolver panicked", zap.String("path", req.Path), zap.Any("panic", r))
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = errUnknown
			}
		}
	}()

	var hc any
	if d.hostContext != nil {
		hc = d.hostContext(ctx)
	}
	return proc.Resolve(ctx, input, hc)
}

// errorMessage is the text relayed to the caller for a resolver failure. Only the message
// crosses the boundary, never the error value itself.
func errorMessage(err error) string {
	if msg := err.Error(); msg != "" {
		return msg
	}
	return unknownError
}
