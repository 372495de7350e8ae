package router

import (
	"context"
	"encoding/json"
	"fmt"

	"wrpc/validate"
)

// Resolver implements a procedure. hc is the host context the dispatcher built for this
// call.
type Resolver[C, I, O any] func(ctx context.Context, input I, hc C) (O, error)

// Procedure is an immutable pair of input validator and resolver. Type parameters are
// erased at construction, so procedures with different input, output and context types
// can live in one Router.
type Procedure struct {
	validate func(raw json.RawMessage) (any, error)
	resolve  func(ctx context.Context, input any, hc any) (any, error)
}

func (*Procedure) node() {}

// Validate checks raw input and returns the parsed value for Resolve.
func (p *Procedure) Validate(raw json.RawMessage) (any, error) {
	return p.validate(raw)
}

// Resolve runs the procedure with an input previously returned by Validate.
func (p *Procedure) Resolve(ctx context.Context, input any, hc any) (any, error) {
	return p.resolve(ctx, input, hc)
}

// Builder is the first construction stage: it fixes the input validator.
type Builder[I any] struct {
	validator validate.Validator[I]
}

// WithInput starts a procedure whose input is checked by v.
func WithInput[I any](v validate.Validator[I]) Builder[I] {
	return Builder[I]{validator: v}
}

// NoInput starts a procedure that takes no input; any payload fails validation.
func NoInput() Builder[struct{}] {
	return Builder[struct{}]{validator: validate.Void()}
}

// WithResolver finishes the procedure started by b.
func WithResolver[C, I, O any](b Builder[I], fn Resolver[C, I, O]) *Procedure {
	v := b.validator
	if v == nil {
		panic("router: builder has no input validator")
	}
	return &Procedure{
		validate: func(raw json.RawMessage) (any, error) {
			return v.Validate(raw)
		},
		resolve: func(ctx context.Context, input any, hc any) (any, error) {
			in, ok := input.(I)
			if !ok {
				return nil, fmt.Errorf("router: input has type %T, want %T", input, in)
			}
			c, err := hostContext[C](hc)
			if err != nil {
				return nil, err
			}
			return fn(withHostContext(ctx, hc), in, c)
		},
	}
}

// Proc builds a procedure from a validator and a resolver in one call.
func Proc[C, I, O any](v validate.Validator[I], fn Resolver[C, I, O]) *Procedure {
	return WithResolver(WithInput(v), fn)
}

// Query builds a procedure that takes no input.
func Query[C, O any](fn func(ctx context.Context, hc C) (O, error)) *Procedure {
	return WithResolver(NoInput(), func(ctx context.Context, _ struct{}, hc C) (O, error) {
		return fn(ctx, hc)
	})
}

// hostContext converts the dispatcher's host context to the type a resolver expects.
// A missing context becomes the zero value of C.
func hostContext[C any](hc any) (C, error) {
	var zero C
	if hc == nil {
		return zero, nil
	}
	c, ok := hc.(C)
	if !ok {
		return zero, fmt.Errorf("router: host context has type %T, want %T", hc, zero)
	}
	return c, nil
}

type hostContextKey struct{}

// HostContext returns the host context of the call ctx belongs to. Resolvers built with
// Service receive it this way instead of as a parameter.
func HostContext(ctx context.Context) any {
	return ctx.Value(hostContextKey{})
}

func withHostContext(ctx context.Context, hc any) context.Context {
	if hc == nil {
		return ctx
	}
	return context.WithValue(ctx, hostContextKey{}, hc)
}
