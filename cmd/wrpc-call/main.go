// Command wrpc-call makes one call to a wrpc host and prints the result.
//
//	wrpc-call -addr 127.0.0.1:7070 math.add '{"a":2,"b":3}'
//	wrpc-call -host math system.procedures      # discover the host through etcd
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"wrpc/client"
	"wrpc/config"
	"wrpc/loadbalance"
	"wrpc/registry"
	"wrpc/transport"
)

func main() {
	configPath := flag.String("config", "", "config file (toml, yaml or json)")
	addr := flag.String("addr", "", "dial this address directly")
	host := flag.String("host", "", "discover this host through etcd, or address it over amqp")
	timeout := flag.Duration("timeout", 0, "give up after this long (0 uses client.timeout from config)")
	balancer := flag.String("balancer", "roundrobin", "roundrobin or weighted")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <path> [input-json]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 || flag.NArg() > 2 {
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)
	var input json.RawMessage
	if flag.NArg() == 2 {
		input = json.RawMessage(flag.Arg(1))
		if !json.Valid(input) {
			fatalf("input is not valid JSON: %s", flag.Arg(1))
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("config: %v", err)
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		fatalf("logger: %v", err)
	}
	defer logger.Sync()

	wait := cfg.Client.Timeout
	if *timeout > 0 {
		wait = *timeout
	}
	ctx := context.Background()
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	c, err := connect(ctx, cfg, logger, *addr, *host, *balancer)
	if err != nil {
		fatalf("%v", err)
	}
	defer c.Close()

	result, err := c.Call(ctx, path, input)
	if err != nil {
		var remote *client.RemoteError
		if errors.As(err, &remote) {
			fatalf("%s", remote.Message)
		}
		fatalf("call %s: %v", path, err)
	}

	var out bytes.Buffer
	if err := json.Indent(&out, result, "", "  "); err != nil {
		out.Reset()
		out.Write(result)
	}
	fmt.Println(out.String())
}

func connect(ctx context.Context, cfg config.Config, logger *zap.Logger, addr, host, balancer string) (*client.Client, error) {
	opts := []client.Option{client.WithLogger(logger), client.WithTimeout(cfg.Client.Timeout)}

	switch {
	case addr != "":
		stream, err := transport.Dial(ctx, addr, transport.WithStreamLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return client.New(stream, opts...)

	case cfg.AMQP.URL != "":
		name := host
		if name == "" {
			name = cfg.Host.Name
		}
		t, err := transport.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange,
			name+".client", name+".host", transport.WithPrivateQueue(), transport.WithAMQPLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("amqp: %w", err)
		}
		return client.New(t, opts...)

	case host != "" && len(cfg.Etcd.Endpoints) > 0:
		reg, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints,
			registry.WithDialTimeout(cfg.Etcd.DialTimeout),
			registry.WithEtcdLogger(logger.Named("etcd")))
		if err != nil {
			return nil, fmt.Errorf("etcd: %w", err)
		}
		var bal loadbalance.Balancer = &loadbalance.RoundRobinBalancer{}
		if balancer == "weighted" {
			bal = &loadbalance.WeightedRandomBalancer{}
		}
		return client.Discover(ctx, reg, bal, host, opts...)
	}
	return nil, errors.New("nothing to connect to: pass -addr, or -host with etcd endpoints or an amqp url configured")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "wrpc-call: "+format+"\n", args...)
	os.Exit(1)
}
