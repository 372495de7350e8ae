package main

import (
	"context"
	"time"

	"wrpc/router"
	"wrpc/validate"
)

// hostInfo is the host context every procedure receives.
type hostInfo struct {
	Name    string
	Started time.Time
}

type operands struct {
	A int `json:"a"`
	B int `json:"b"`
}

type helloInput struct {
	Name string `json:"name" validate:"required,max=64"`
}

type pong struct {
	Host   string `json:"host"`
	Uptime string `json:"uptime"`
}

func newRouter() router.Router {
	r := router.Router{
		"math": router.Router{
			"add": router.Proc(validate.JSON[operands](), func(_ context.Context, in operands, _ *hostInfo) (int, error) {
				return in.A + in.B, nil
			}),
			"sub": router.Proc(validate.JSON[operands](), func(_ context.Context, in operands, _ *hostInfo) (int, error) {
				return in.A - in.B, nil
			}),
		},
		"greet": router.Router{
			"hello": router.Proc(validate.JSON[helloInput](), func(_ context.Context, in helloInput, hc *hostInfo) (string, error) {
				return "Hello, " + in.Name + " from " + hc.Name, nil
			}),
		},
	}

	r["system"] = router.Router{
		"ping": router.Query(func(_ context.Context, hc *hostInfo) (pong, error) {
			return pong{Host: hc.Name, Uptime: time.Since(hc.Started).Round(time.Second).String()}, nil
		}),
		"procedures": router.Query(func(context.Context, *hostInfo) ([]string, error) {
			return router.Paths(r), nil
		}),
	}
	return r
}
