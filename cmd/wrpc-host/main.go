// Command wrpc-host serves a small demo router over TCP, stdio or RabbitMQ.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"wrpc/config"
	"wrpc/middleware"
	"wrpc/registry"
	"wrpc/router"
	"wrpc/server"
	"wrpc/transport"
)

func main() {
	configPath := flag.String("config", "", "config file (toml, yaml or json)")
	useStdio := flag.Bool("stdio", false, "serve on stdin/stdout instead of TCP")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	info := &hostInfo{Name: cfg.Host.Name, Started: time.Now()}
	r := newRouter()

	mws := []middleware.Middleware{middleware.LoggingMiddleware(logger)}
	if cfg.Limits.Rate > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.Limits.Rate, max(cfg.Limits.Burst, 1)))
	}
	if cfg.Limits.Timeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(cfg.Limits.Timeout))
	}
	dispatcherOpts := []server.Option{
		server.WithLogger(logger),
		server.WithStaticHostContext(info),
		server.WithMiddleware(mws...),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *useStdio:
		stream := transport.Stdio(transport.WithStreamLogger(logger))
		serveTransport(ctx, logger, r, stream, stream.Done(), dispatcherOpts)
		stream.Close()

	case cfg.AMQP.URL != "":
		t, err := transport.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange,
			cfg.Host.Name+".host", cfg.Host.Name+".client", transport.WithAMQPLogger(logger))
		if err != nil {
			logger.Fatal("failed to connect to amqp", zap.Error(err))
		}
		serveTransport(ctx, logger, r, t, nil, dispatcherOpts)
		t.Close()

	default:
		serveTCP(ctx, logger, cfg, r, dispatcherOpts)
	}
}

// serveTransport runs one dispatcher on t until ctx is done or the transport ends.
func serveTransport(ctx context.Context, logger *zap.Logger, r router.Router, t transport.Transport, ended <-chan struct{}, opts []server.Option) {
	d := server.NewDispatcher(r, t, opts...)
	if err := d.Start(); err != nil {
		logger.Fatal("failed to start dispatcher", zap.Error(err))
	}
	logger.Info("serving", zap.Strings("procedures", router.Paths(r)))

	select {
	case <-ctx.Done():
	case <-ended:
	}
	if err := d.Shutdown(5 * time.Second); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
}

func serveTCP(ctx context.Context, logger *zap.Logger, cfg config.Config, r router.Router, opts []server.Option) {
	svr := server.NewServer(cfg.Host.Name, r,
		server.WithServerLogger(logger),
		server.WithRegistrationTTL(cfg.Etcd.TTL),
		server.WithDispatcherOptions(opts...))

	var reg registry.Registry
	if len(cfg.Etcd.Endpoints) > 0 {
		etcd, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints,
			registry.WithDialTimeout(cfg.Etcd.DialTimeout),
			registry.WithEtcdLogger(logger.Named("etcd")))
		if err != nil {
			logger.Fatal("failed to connect to etcd", zap.Error(err))
		}
		defer etcd.Close()
		reg = etcd
	}

	if _, err := svr.Listen("tcp", cfg.Host.Listen); err != nil {
		logger.Fatal("failed to listen", zap.String("addr", cfg.Host.Listen), zap.Error(err))
	}

	errc := make(chan error, 1)
	go func() { errc <- svr.Serve(cfg.Host.AdvertiseAddr(), reg) }()

	select {
	case err := <-errc:
		if err != nil {
			logger.Fatal("serve", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		if err := svr.Shutdown(5 * time.Second); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}
}
