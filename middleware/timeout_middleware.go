package middleware

import (
	"context"
	"time"

	"apphost/packet"
)

// TimeOutMiddleware answers with a timeout error when the handler outlives timeout.
// The handler keeps running in the background with a cancelled context; its late
// response is discarded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *packet.CallRequest) *packet.CallResponse {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *packet.CallResponse, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return Fail(req, packet.CodeTimeout, "request timed out")
			}
		}
	}
}
