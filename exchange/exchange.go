// Package exchange routes envelopes between named endpoints inside one process.
//
// Each endpoint name has at most one handler. Delivery is synchronous and
// fire-and-forget: an envelope for a name nobody listens on is dropped without an
// error reaching the sender.
package exchange

import (
	"errors"
	"sort"
	"sync"

	"apphost/metrics"
	"apphost/packet"

	"go.uber.org/zap"
)

// ErrRouteExists is returned when a name already has a handler.
var ErrRouteExists = errors.New("exchange: route already registered")

// Handler receives the envelopes addressed to one endpoint.
type Handler func(env *packet.Envelope)

// Exchange is the handler table.
type Exchange struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	handlers map[string]Handler
}

// Option configures an Exchange.
type Option func(*Exchange)

// WithLogger sets the logger used for dropped envelopes.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Exchange) { e.logger = logger }
}

// WithMetrics counts delivered and dropped envelopes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Exchange) { e.metrics = m }
}

// New creates an empty exchange.
func New(opts ...Option) *Exchange {
	e := &Exchange{
		logger:   zap.NewNop(),
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnRecv installs the handler for name. An empty name or nil handler is ignored.
func (e *Exchange) OnRecv(name string, h Handler) error {
	if name == "" || h == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.handlers[name]; exists {
		return ErrRouteExists
	}
	e.handlers[name] = h
	return nil
}

// SendTo delivers body from src to dest and reports whether a handler took it.
// The handler runs on the caller's goroutine, outside the table lock, so it may
// itself send or register routes.
func (e *Exchange) SendTo(dest, src string, body packet.Packet) bool {
	if dest == "" || src == "" {
		e.metrics.ExchangeSend(false)
		return false
	}
	e.mu.RLock()
	h, ok := e.handlers[dest]
	e.mu.RUnlock()
	if !ok {
		e.logger.Debug("dropping envelope for unknown endpoint",
			zap.String("dest", dest), zap.String("src", src), zap.Stringer("type", body.Type))
		e.metrics.ExchangeSend(false)
		return false
	}
	h(&packet.Envelope{Dest: dest, Src: src, Body: body})
	e.metrics.ExchangeSend(true)
	return true
}

// Disconnect removes the handler for name.
func (e *Exchange) Disconnect(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, name)
}

// Has reports whether name has a handler.
func (e *Exchange) Has(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.handlers[name]
	return ok
}

// Names lists the registered endpoint names in order.
func (e *Exchange) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.handlers))
	for name := range e.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
