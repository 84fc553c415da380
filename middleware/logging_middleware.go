package middleware

import (
	"context"
	"time"

	"apphost/packet"

	"go.uber.org/zap"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *packet.CallRequest) *packet.CallResponse {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.Uint64("call_id", req.CallID),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Err != nil {
				logger.Warn("rpc call failed", append(fields, zap.String("code", resp.Err.Code), zap.String("error", resp.Err.Message))...)
				return resp
			}
			logger.Debug("rpc call", fields...)
			return resp
		}
	}
}
