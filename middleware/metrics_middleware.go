package middleware

import (
	"context"
	"time"

	"apphost/metrics"
	"apphost/packet"
)

// MetricsMiddleware records call counts and handler latency per method.
func MetricsMiddleware(m *metrics.Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *packet.CallRequest) *packet.CallResponse {
			start := time.Now()
			resp := next(ctx, req)
			m.ObserveCall(req.Method, resp.Err != nil, time.Since(start))
			return resp
		}
	}
}
