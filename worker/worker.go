// Package worker is the runtime of a spawned service process.
//
// The supervisor writes framed envelopes to the process's stdin and reads its stdout.
// A worker has no exchange: every inbound RPC request goes to its single RPC server
// and is answered with exactly one envelope whose dest and src are swapped; CHANNEL
// frames go to its single channel server and are never answered directly. Stdout
// belongs to the transport, so all logging goes to stderr.
package worker

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"apphost/channel"
	"apphost/codec"
	"apphost/config"
	"apphost/logging"
	"apphost/middleware"
	"apphost/packet"
	"apphost/rpc"
	"apphost/transport"

	"go.uber.org/zap"
)

// InitFunc runs before the method table is served, with the spawn arguments.
type InitFunc func(ctx context.Context, env *Env) error

type options struct {
	name        string
	args        []string
	identity    uint32
	sideDir     string
	codec       codec.CodecType
	heartbeat   time.Duration
	callTimeout time.Duration
	logger      *zap.Logger
	init        InitFunc
	middlewares []middleware.Middleware
}

// Option configures a worker.
type Option func(*options)

func WithName(name string) Option { return func(o *options) { o.name = name } }

func WithArgs(args ...string) Option { return func(o *options) { o.args = args } }

// WithIdentity overrides the identity used for the side socket path (default: pid).
func WithIdentity(id uint32) Option { return func(o *options) { o.identity = id } }

func WithSideDir(dir string) Option { return func(o *options) { o.sideDir = dir } }

func WithCodec(ct codec.CodecType) Option { return func(o *options) { o.codec = ct } }

func WithHeartbeat(d time.Duration) Option { return func(o *options) { o.heartbeat = d } }

// WithCallTimeout answers ETIMEDOUT for calls whose handler runs longer than d.
func WithCallTimeout(d time.Duration) Option { return func(o *options) { o.callTimeout = d } }

func WithLogger(logger *zap.Logger) Option { return func(o *options) { o.logger = logger } }

func WithInit(fn InitFunc) Option { return func(o *options) { o.init = fn } }

// WithMiddleware wraps the RPC server of the worker.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}

// Run serves table on stdin/stdout with settings taken from the environment the
// supervisor prepared. Explicit options win over the environment.
func Run(ctx context.Context, table rpc.MethodTable, opts ...Option) error {
	cfg := config.LoadOrDefault()
	ct, err := codec.ParseCodec(cfg.Service.Codec)
	if err != nil {
		ct = codec.CodecTypeJSON
	}
	base := []Option{
		WithName(cfg.Service.Name),
		WithArgs(os.Args[1:]...),
		WithSideDir(cfg.Side.Dir),
		WithCodec(ct),
		WithHeartbeat(cfg.Service.Heartbeat),
		WithCallTimeout(cfg.Service.CallTimeout),
		WithLogger(logging.ForWorker(cfg.Logging.Level, cfg.Logging.Development)),
	}
	return Serve(ctx, os.Stdin, os.Stdout, table, append(base, opts...)...)
}

// Serve runs the worker loop on r/w until r reaches EOF or ctx ends, then waits for
// in-flight calls to answer.
func Serve(ctx context.Context, r io.Reader, w io.Writer, table rpc.MethodTable, opts ...Option) error {
	o := options{
		identity: defaultIdentity(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With(zap.String("service", o.name))

	conn := transport.New(r, w,
		transport.WithCodec(o.codec),
		transport.WithHeartbeat(o.heartbeat),
		transport.WithLogger(logger),
	)
	defer conn.Close()

	send := func(p packet.Packet, route *channel.Route) error {
		if route == nil {
			return nil // no peer known yet
		}
		return conn.Send(&packet.Envelope{Dest: route.Dest, Src: route.Src, Body: p})
	}

	env := &Env{
		name:     o.name,
		args:     o.args,
		identity: o.identity,
		sideDir:  o.sideDir,
		channels: channel.NewServer(send, channel.WithLogger(logger)),
		logger:   logger,
	}
	defer env.close()

	ctx, cancel := context.WithCancel(withEnv(ctx, env))
	defer cancel()

	if o.init != nil {
		if err := o.init(ctx, env); err != nil {
			return err
		}
	}

	srv := rpc.NewServer(rpc.WithServerLogger(logger))
	srv.Use(middleware.RecoveryMiddleware(logger), middleware.LoggingMiddleware(logger))
	if o.callTimeout > 0 {
		srv.Use(middleware.TimeOutMiddleware(o.callTimeout))
	}
	srv.Use(o.middlewares...)
	srv.RegisterService(table)

	var (
		inflight sync.WaitGroup
		stopMu   sync.Mutex
		stopping bool
	)
	// begin reserves an inflight slot; it refuses once the loop is draining.
	begin := func() bool {
		stopMu.Lock()
		defer stopMu.Unlock()
		if stopping {
			return false
		}
		inflight.Add(1)
		return true
	}
	conn.Start(func(in *packet.Envelope) {
		route := &channel.Route{Dest: in.Src, Src: in.Dest}
		packet.Dispatch(in.Body,
			nil,
			func(call *packet.Call) {
				req, ok := call.Request()
				if !ok {
					logger.Warn("unexpected call response", zap.Uint64("call_id", call.CallID))
					return
				}
				if !begin() {
					logger.Debug("worker stopping, dropping call", zap.String("method", req.Method))
					return
				}
				go func() {
					defer inflight.Done()
					reply, err := packet.NewCallResponse(srv.DispatchCall(ctx, req))
					if err == nil {
						err = conn.Send(&packet.Envelope{Dest: route.Dest, Src: route.Src, Body: reply})
					}
					if err != nil {
						logger.Warn("failed to send call response", zap.String("method", req.Method), zap.Error(err))
					}
				}()
			},
			func(frame *packet.ChannelFrame) {
				if err := env.channels.DispatchChannelData(frame, route); err != nil {
					logger.Warn("channel frame failed", zap.Error(err))
				}
			},
		)
	})
	logger.Info("worker serving", zap.Strings("methods", srv.Methods()))

	select {
	case <-conn.Done():
	case <-ctx.Done():
	}
	stopMu.Lock()
	stopping = true
	stopMu.Unlock()
	inflight.Wait()
	logger.Info("worker stopping")
	return conn.Err()
}
