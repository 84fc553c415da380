// Package rpc implements request/response calls on top of RPCCALL packets.
//
// A Client numbers its calls and parks a waiter per call id; a Server looks the method
// up in its method table and always answers with exactly one response carrying the same
// call id. Neither side owns a connection: both are driven by whoever routes packets
// (a service process pipe, an exchange endpoint or a channel).
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"apphost/middleware"
	"apphost/packet"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// Method is one remotely callable operation. Args are the raw JSON arguments in call
// order; the returned value is encoded as the call's return value.
type Method func(ctx context.Context, args []json.RawMessage) (any, error)

// MethodTable maps method names to handlers.
type MethodTable map[string]Method

// Server dispatches call requests to registered methods.
type Server struct {
	logger *zap.Logger

	mu          sync.RWMutex
	methods     map[string]Method
	middlewares []middleware.Middleware
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a server with an empty method table.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		logger:  zap.NewNop(),
		methods: make(map[string]Method),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterService installs table as the method table, replacing any previous one.
// Methods added earlier with Register are dropped as well.
func (s *Server) RegisterService(table MethodTable) {
	methods := make(map[string]Method, len(table))
	for name, m := range table {
		if m != nil {
			methods[name] = m
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.methods) > 0 {
		s.logger.Debug("replacing method table", zap.Int("old", len(s.methods)), zap.Int("new", len(methods)))
	}
	s.methods = methods
}

// Register adds a single method to the current table. A name registered twice keeps
// the last handler.
func (s *Server) Register(name string, m Method) {
	if m == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[name] = m
}

// Use appends middlewares; the first one added is the outermost.
func (s *Server) Use(mws ...middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mws...)
}

// Methods lists registered method names in order.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DispatchCall runs req through the middleware chain and the method, and returns the
// response to send back. It never returns nil.
func (s *Server) DispatchCall(ctx context.Context, req *packet.CallRequest) *packet.CallResponse {
	s.mu.RLock()
	handler := middleware.Chain(s.middlewares...)(s.invoke)
	s.mu.RUnlock()

	resp := handler(ctx, req)
	if resp == nil {
		resp = middleware.Fail(req, packet.CodeInternal, "no response produced")
	}
	resp.CallID = req.CallID
	return resp
}

func (s *Server) invoke(ctx context.Context, req *packet.CallRequest) (resp *packet.CallResponse) {
	s.mu.RLock()
	m, ok := s.methods[req.Method]
	s.mu.RUnlock()
	if !ok {
		return middleware.Fail(req, packet.CodeNoMethod, fmt.Sprintf("no such method '%s'", req.Method))
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("method panicked", zap.String("method", req.Method), zap.Any("panic", r))
			resp = middleware.Fail(req, packet.CodeInternal, fmt.Sprintf("panic: %v", r))
		}
	}()

	ret, err := m(ctx, req.Args)
	if err != nil {
		var coded *Error
		if errors.As(err, &coded) {
			return middleware.Fail(req, coded.Code, coded.Message)
		}
		return middleware.Fail(req, packet.CodeInternal, err.Error())
	}

	resp = &packet.CallResponse{CallID: req.CallID}
	if ret == nil {
		return resp
	}
	if raw, isRaw := ret.(json.RawMessage); isRaw {
		resp.RetVal = raw
		return resp
	}
	raw, err := sonic.Marshal(ret)
	if err != nil {
		return middleware.Fail(req, packet.CodeInternal, fmt.Sprintf("encode result: %v", err))
	}
	resp.RetVal = raw
	return resp
}
