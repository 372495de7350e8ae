// Package server implements the host side: the Dispatcher that answers requests arriving
// on a transport, and a TCP Server that runs one Dispatcher per accepted connection.
//
// Request processing pipeline:
//
//	Transport listener → Dispatcher.onMessage (admission, one goroutine per request)
//	  → Middleware Chain → businessHandler (resolve path → validate input → resolver)
//	  → Codec.Encode → Transport.Send
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wrpc/middleware"
	"wrpc/registry"
	"wrpc/router"
	"wrpc/transport"
)

// Server accepts TCP connections and serves its router on each of them.
type Server struct {
	name          string            // Host name under which instances are registered
	router        router.Router     // Procedures served on every connection
	listener      net.Listener      // TCP listener
	wg            sync.WaitGroup    // Tracks open connections for graceful shutdown
	shutdown      atomic.Bool       // Set during shutdown to suppress Accept errors
	serving       atomic.Bool       // Set by Serve; the router is read-only from then on
	middlewares   []middleware.Middleware
	options       []Option           // Dispatcher options applied per connection
	streamOptions []transport.StreamOption
	registry      registry.Registry // Service registry, nil if not using discovery
	advertiseAddr string            // Address registered in the registry
	ttl           int64
	logger        *zap.Logger

	mu    sync.Mutex
	conns map[*transport.Stream]*Dispatcher
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithDispatcherOptions applies opts to the dispatcher of every connection.
func WithDispatcherOptions(opts ...Option) ServerOption {
	return func(s *Server) { s.options = append(s.options, opts...) }
}

// WithStreamOptions applies opts to the stream of every connection.
func WithStreamOptions(opts ...transport.StreamOption) ServerOption {
	return func(s *Server) { s.streamOptions = append(s.streamOptions, opts...) }
}

// WithServerLogger sets the server's logger. Dispatchers inherit it unless
// WithDispatcherOptions overrides it.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithRegistrationTTL sets the lease TTL, in seconds, of the registry entry.
func WithRegistrationTTL(ttl int64) ServerOption {
	return func(s *Server) { s.ttl = ttl }
}

// NewServer creates a host named name serving r. r may be nil and filled with Register.
func NewServer(name string, r router.Router, opts ...ServerOption) *Server {
	s := &Server{
		name:   name,
		router: r,
		ttl:    10,
		logger: zap.NewNop(),
		conns:  make(map[*transport.Stream]*Dispatcher),
	}
	if s.router == nil {
		s.router = router.Router{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register mounts the procedures of a service receiver (e.g., &Arith{}) under its type
// name, so Arith.Add becomes callable as "Arith.Add". It must be called before Serve.
func (svr *Server) Register(rcvr any) error {
	if svr.serving.Load() {
		return errors.New("server: Register called after Serve")
	}
	name, r, err := router.Service(rcvr)
	if err != nil {
		return err
	}
	if _, taken := svr.router[name]; taken {
		return fmt.Errorf("server: %s already registered", name)
	}
	svr.router[name] = r
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Listen binds the server to address without accepting yet.
func (svr *Server) Listen(network, address string) (net.Addr, error) {
	listener, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	svr.listener = listener
	return listener.Addr(), nil
}

// Serve registers the host with reg (if not nil) under advertiseAddr and enters the
// Accept loop. Listen must have been called. It returns nil after Shutdown.
func (svr *Server) Serve(advertiseAddr string, reg registry.Registry) error {
	if svr.listener == nil {
		return errors.New("server: Serve called before Listen")
	}

	svr.serving.Store(true)
	svr.advertiseAddr = advertiseAddr
	if reg != nil {
		svr.registry = reg
		err := svr.registry.Register(context.Background(), svr.name, registry.Instance{
			Addr: advertiseAddr,
		}, svr.ttl)
		if err != nil {
			return fmt.Errorf("server: register %s: %w", svr.name, err)
		}
	}

	svr.logger.Info("serving",
		zap.String("host", svr.name),
		zap.Stringer("addr", svr.listener.Addr()),
		zap.Strings("procedures", router.Paths(svr.router)))

	for {
		conn, err := svr.listener.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		svr.wg.Add(1)
		go svr.handleConn(conn)
	}
}

// ListenAndServe is Listen followed by Serve.
func (svr *Server) ListenAndServe(network, address, advertiseAddr string, reg registry.Registry) error {
	if _, err := svr.Listen(network, address); err != nil {
		return err
	}
	return svr.Serve(advertiseAddr, reg)
}

// handleConn serves one connection until the peer goes away or the server shuts down.
func (svr *Server) handleConn(conn net.Conn) {
	defer svr.wg.Done()

	stream := transport.NewStream(conn, append([]transport.StreamOption{
		transport.WithStreamLogger(svr.logger),
	}, svr.streamOptions...)...)

	opts := append([]Option{
		WithLogger(svr.logger),
		WithMiddleware(svr.middlewares...),
	}, svr.options...)
	d := NewDispatcher(svr.router, stream, opts...)
	if err := d.Start(); err != nil {
		svr.logger.Error("failed to start dispatcher", zap.Error(err))
		stream.Close()
		return
	}

	// Shutdown may have taken its snapshot already
	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		d.Shutdown(0)
		stream.Close()
		return
	}
	svr.conns[stream] = d
	svr.mu.Unlock()
	svr.logger.Debug("connection opened", zap.Stringer("remote", conn.RemoteAddr()))

	<-stream.Done()

	svr.mu.Lock()
	delete(svr.conns, stream)
	svr.mu.Unlock()
	d.Shutdown(time.Second)
	svr.logger.Debug("connection closed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(stream.Err()))
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry (clients stop discovering this host)
//  2. Set the shutdown flag and close the listener (stop accepting connections)
//  3. Let every connection's in-flight requests answer, then close the connections
//  4. Wait for the connection goroutines, bounded by timeout
func (svr *Server) Shutdown(timeout time.Duration) error {
	if svr.registry != nil {
		if err := svr.registry.Deregister(context.Background(), svr.name, svr.advertiseAddr); err != nil {
			svr.logger.Warn("failed to deregister", zap.Error(err))
		}
	}

	svr.shutdown.Store(true)
	if svr.listener != nil {
		svr.listener.Close()
	}

	svr.mu.Lock()
	conns := make(map[*transport.Stream]*Dispatcher, len(svr.conns))
	for s, d := range svr.conns {
		conns[s] = d
	}
	svr.mu.Unlock()

	var g errgroup.Group
	for stream, d := range conns {
		g.Go(func() error {
			defer stream.Close()
			return d.Shutdown(timeout)
		})
	}
	drainErr := g.Wait()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return drainErr
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for connections to close")
	}
}
