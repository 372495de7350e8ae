// Package middleware wraps the dispatcher's request handler.
//
// Middlewares nest like an onion: Chain(A, B)(h) runs A's before-part, then B's, then h,
// then B's after-part and A's. Every middleware must return exactly one response for the
// request it was given, carrying the request's id.
package middleware

import (
	"context"
	"wrpc/message"
)

// HandlerFunc turns one rpc/request into its rpc/success or rpc/error response.
type HandlerFunc func(ctx context.Context, req *message.Message) *message.Message

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
