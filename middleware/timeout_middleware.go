package middleware

import (
	"context"
	"time"

	"wrpc/message"
)

// TimeOutMiddleware answers "request timed out" when next takes longer than timeout.
// The resolver keeps running in the background with a cancelled ctx; its late result is
// discarded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Message, 1)
			go func() {
				// The caller's recover cannot reach this goroutine
				defer func() {
					if r := recover(); r != nil {
						done <- message.NewError(req.ID, "Unknown error")
					}
				}()
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.NewError(req.ID, "request timed out")
			}
		}
	}
}
