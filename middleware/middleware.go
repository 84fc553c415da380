// Package middleware wraps the handler that turns an RPC call request into its response.
//
// Every middleware must return exactly one response per request and must keep the
// request's call id on it, otherwise the caller's pending waiter would never resolve.
package middleware

import (
	"context"

	"apphost/packet"
)

type HandlerFunc func(ctx context.Context, req *packet.CallRequest) *packet.CallResponse

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

// Fail builds the error response for req.
func Fail(req *packet.CallRequest, code, message string) *packet.CallResponse {
	return &packet.CallResponse{
		CallID: req.CallID,
		Err:    &packet.CallError{Code: code, Message: message},
	}
}
