package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"wrpc/message"
)

// LoggingMiddleware logs the path, duration and outcome of every request.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			start := time.Now()
			resp := next(ctx, req)

			fields := []zap.Field{
				zap.String("path", req.Path),
				zap.String("id", req.ID),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Kind == message.KindError {
				logger.Info("rpc failed", append(fields, zap.String("error", resp.ErrorMessage()))...)
			} else {
				logger.Debug("rpc served", fields...)
			}
			return resp
		}
	}
}
