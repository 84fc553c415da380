// Package client is the consumer side of a service: an RPC client and a channel client
// bound to one service name through an exchange endpoint.
//
//	consumer ──Call──→ exchange[service] ──→ service process
//	consumer ←─resp─── exchange[endpoint] ←── service process
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"apphost/channel"
	"apphost/exchange"
	"apphost/metrics"
	"apphost/packet"
	"apphost/rpc"

	"go.uber.org/zap"
)

// ErrUnreachable is returned when the exchange has no route to the service.
var ErrUnreachable = errors.New("client: service unreachable")

// Service is a handle on one named service.
type Service struct {
	name     string
	endpoint string
	ex       *exchange.Exchange
	logger   *zap.Logger

	rpc      *rpc.Client
	channels *channel.Client
	stop     chan struct{}
}

type options struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	done    <-chan struct{}
}

// Option configures Dial.
type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithDone ties the handle to the lifetime of the service's process: when done is
// closed, pending calls fail with rpc.ErrServiceTerminated and channels close.
func WithDone(done <-chan struct{}) Option {
	return func(o *options) { o.done = done }
}

// Dial registers endpoint on ex and returns a handle that sends to service from it.
// identity namespaces the channels this handle creates and must be unique among the
// consumers of the service.
func Dial(ex *exchange.Exchange, service, endpoint string, identity uint32, opts ...Option) (*Service, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{
		name:     service,
		endpoint: endpoint,
		ex:       ex,
		logger:   o.logger.With(zap.String("service", service), zap.String("endpoint", endpoint)),
		stop:     make(chan struct{}),
	}
	s.rpc = rpc.NewClient(s.send, rpc.WithLogger(s.logger))
	s.channels = channel.NewClient(func(p packet.Packet, _ *channel.Route) error {
		return s.send(p)
	}, identity, channel.WithLogger(s.logger), channel.WithMetrics(o.metrics))

	if err := ex.OnRecv(endpoint, s.recv); err != nil {
		return nil, fmt.Errorf("client: endpoint %s: %w", endpoint, err)
	}
	if o.done != nil {
		go s.watch(o.done)
	}
	return s, nil
}

func (s *Service) send(p packet.Packet) error {
	if !s.ex.SendTo(s.name, s.endpoint, p) {
		return fmt.Errorf("%w: %s", ErrUnreachable, s.name)
	}
	return nil
}

func (s *Service) recv(env *packet.Envelope) {
	packet.Dispatch(env.Body, nil,
		func(call *packet.Call) {
			resp, ok := call.Response()
			if !ok {
				s.logger.Warn("consumer endpoint received a call request", zap.String("method", *call.Method))
				return
			}
			s.rpc.DispatchResult(resp)
		},
		func(frame *packet.ChannelFrame) {
			if err := s.channels.DispatchChannelData(frame, nil); err != nil {
				s.logger.Warn("channel frame dropped", zap.Error(err))
			}
		},
	)
}

func (s *Service) watch(done <-chan struct{}) {
	select {
	case <-done:
		s.rpc.FailAll(rpc.ErrServiceTerminated)
		s.channels.CloseAll()
	case <-s.stop:
	}
}

// Name returns the service name.
func (s *Service) Name() string { return s.name }

// Endpoint returns the exchange name responses arrive on.
func (s *Service) Endpoint() string { return s.endpoint }

// Call invokes method on the service.
func (s *Service) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	return s.rpc.Call(ctx, method, args...)
}

// CallInto invokes method and decodes the result into reply.
func (s *Service) CallInto(ctx context.Context, method string, reply any, args ...any) error {
	return s.rpc.CallInto(ctx, method, reply, args...)
}

// CreateChannel opens a channel to the service.
func (s *Service) CreateChannel() (*channel.Channel, error) {
	return s.channels.CreateChannel()
}

// Channels exposes the channel client.
func (s *Service) Channels() *channel.Client { return s.channels }

// Close releases the endpoint, fails pending calls and closes every channel.
func (s *Service) Close() {
	select {
	case <-s.stop:
		return
	default:
		close(s.stop)
	}
	s.ex.Disconnect(s.endpoint)
	s.rpc.Close()
	s.channels.CloseAll()
}
