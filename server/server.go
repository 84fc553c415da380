// Package server is the supervisor: it owns the exchange, the service table and the
// core endpoint, and wires app instances to their service processes and UI surfaces.
//
// Routing inside the supervisor:
//
//	consumer endpoint ──SendTo(svc)──→ exchange[svc] ──→ Process.Send (child stdin)
//	child stdout ──→ Process.OnMessage ──SendTo(env.Dest)──→ exchange[env.Dest]
//	"<app>-render-<id>" endpoint ──→ App sink (UI surface)
//	core endpoint ──→ RPC Server (startApp, registerWindowProvider, ...) + Channel Server
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"apphost/channel"
	"apphost/client"
	"apphost/codec"
	"apphost/config"
	"apphost/exchange"
	"apphost/metrics"
	"apphost/middleware"
	"apphost/packet"
	"apphost/registry"
	"apphost/rpc"
	"apphost/service"

	"go.uber.org/zap"
)

// Server is the supervising process of the application host.
type Server struct {
	cfg         *config.Config
	logger      *zap.Logger
	metrics     *metrics.Metrics
	packages    PackageRegistry
	views       ViewProvider
	coreMethods rpc.MethodTable
	middlewares []middleware.Middleware
	preload     string
	serviceOpts []service.Option

	ex       *exchange.Exchange
	services *service.Manager
	rpc      *rpc.Server
	channels *channel.Server

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup // Core calls being served
	stopMu   sync.Mutex
	stopping bool // Set by Shutdown, no new core calls after that

	mu            sync.Mutex
	procs         map[string]*service.Process // Current process per service name
	apps          map[int]*App
	nextApp       int
	requester     *ViewRequester
	preloadServed bool
	started       bool
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithConfig replaces the default configuration.
func WithConfig(cfg *config.Config) Option {
	return func(s *Server) { s.cfg = cfg }
}

// WithPackages sets the registry apps are resolved against.
func WithPackages(p PackageRegistry) Option {
	return func(s *Server) { s.packages = p }
}

// WithViewProvider sets the local view provider. Without one, views are requested
// from the window provider registered over the core endpoint, if any.
func WithViewProvider(v ViewProvider) Option {
	return func(s *Server) { s.views = v }
}

// WithCoreMethods adds methods to the core endpoint. They are registered after the
// built-in ones and replace them on a name clash.
func WithCoreMethods(table rpc.MethodTable) Option {
	return func(s *Server) { s.coreMethods = table }
}

// WithRegistry publishes running services to reg.
func WithRegistry(reg registry.Registry) Option {
	return func(s *Server) { s.serviceOpts = append(s.serviceOpts, service.WithRegistry(reg)) }
}

// WithServiceOptions passes extra options to the service manager.
func WithServiceOptions(opts ...service.Option) Option {
	return func(s *Server) { s.serviceOpts = append(s.serviceOpts, opts...) }
}

// WithPreloadScript sets the file handed out by getAppPreloadScript.
func WithPreloadScript(path string) Option {
	return func(s *Server) { s.preload = path }
}

// New creates a supervisor. Nothing is served until Start.
func New(opts ...Option) *Server {
	s := &Server{
		cfg:    config.Default(),
		logger: zap.NewNop(),
		procs:  make(map[string]*service.Process),
		apps:   make(map[int]*App),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.preload == "" {
		if exe, err := os.Executable(); err == nil {
			s.preload = filepath.Join(filepath.Dir(exe), "preload.js")
		}
	}

	s.ex = exchange.New(exchange.WithLogger(s.logger), exchange.WithMetrics(s.metrics))

	ct, err := codec.ParseCodec(s.cfg.Service.Codec)
	if err != nil {
		s.logger.Warn("unknown codec, using json", zap.String("codec", s.cfg.Service.Codec))
		ct = codec.CodecTypeJSON
	}
	base := []service.Option{
		service.WithLogger(s.logger),
		service.WithMetrics(s.metrics),
		service.WithCodec(ct),
		service.WithGrace(s.cfg.Service.Grace),
		service.WithHeartbeat(s.cfg.Service.Heartbeat),
		service.WithSpawnHook(s.attach),
	}
	if s.cfg.Side.Dir != "" {
		base = append(base, service.WithEnv("APPHOST_SIDE_DIR="+s.cfg.Side.Dir))
	}
	s.services = service.NewManager(append(base, s.serviceOpts...)...)

	s.rpc = rpc.NewServer(rpc.WithServerLogger(s.logger))
	s.channels = channel.NewServer(s.channelSend,
		channel.WithLogger(s.logger),
		channel.WithMetrics(s.metrics),
	)
	return s
}

// Use adds middlewares to the core endpoint's RPC server.
func (s *Server) Use(mws ...middleware.Middleware) {
	s.middlewares = append(s.middlewares, mws...)
}

// CoreName is the exchange name of the core endpoint.
func (s *Server) CoreName() string { return s.cfg.Supervisor.CoreName }

// Exchange returns the supervisor's exchange.
func (s *Server) Exchange() *exchange.Exchange { return s.ex }

// Services returns the service table.
func (s *Server) Services() *service.Manager { return s.services }

// Start registers the core endpoint. ctx bounds every core call.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server: already started")
	}
	s.started = true
	s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.rpc.Use(middleware.RecoveryMiddleware(s.logger))
	if s.metrics != nil {
		s.rpc.Use(middleware.MetricsMiddleware(s.metrics))
	}
	s.rpc.Use(s.middlewares...)
	table := s.coreTable()
	for name, m := range s.coreMethods {
		table[name] = m
	}
	s.rpc.RegisterService(table)

	if err := s.ex.OnRecv(s.CoreName(), s.serveCore); err != nil {
		return fmt.Errorf("server: core endpoint: %w", err)
	}
	s.logger.Info("core endpoint ready",
		zap.String("core", s.CoreName()),
		zap.Strings("methods", s.rpc.Methods()),
	)
	return nil
}

func (s *Server) serveCore(env *packet.Envelope) {
	route := &channel.Route{Dest: env.Src, Src: env.Dest}
	packet.Dispatch(env.Body,
		nil,
		func(call *packet.Call) {
			req, ok := call.Request()
			if !ok {
				s.logger.Warn("core received a call response", zap.Uint64("call_id", call.CallID))
				return
			}
			if !s.beginCall() {
				s.logger.Debug("core stopping, dropping call", zap.String("method", req.Method))
				return
			}
			go func() {
				defer s.inflight.Done()
				reply, err := packet.NewCallResponse(s.rpc.DispatchCall(s.ctx, req))
				if err != nil {
					s.logger.Error("encode core response", zap.String("method", req.Method), zap.Error(err))
					return
				}
				s.ex.SendTo(route.Dest, route.Src, reply)
			}()
		},
		func(frame *packet.ChannelFrame) {
			if err := s.channels.DispatchChannelData(frame, route); err != nil {
				s.logger.Warn("core channel frame failed", zap.Error(err))
			}
		},
	)
}

// beginCall reserves a slot in inflight unless Shutdown has started.
func (s *Server) beginCall() bool {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.stopping {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Server) channelSend(p packet.Packet, route *channel.Route) error {
	if route == nil {
		return nil
	}
	if !s.ex.SendTo(route.Dest, route.Src, p) {
		return fmt.Errorf("%w: %s", client.ErrUnreachable, route.Dest)
	}
	return nil
}

// attach wires a freshly spawned process into the exchange: its name forwards to its
// stdin, and everything it writes is routed by destination.
func (s *Server) attach(proc *service.Process) {
	name := proc.Name()

	s.mu.Lock()
	s.procs[name] = proc
	err := s.ex.OnRecv(name, func(env *packet.Envelope) { s.forward(name, env) })
	s.mu.Unlock()
	if err != nil && !errors.Is(err, exchange.ErrRouteExists) {
		s.logger.Error("service endpoint", zap.String("service", name), zap.Error(err))
	}

	proc.OnMessage(func(env *packet.Envelope) {
		src := env.Src
		if src == "" {
			src = name
		}
		s.ex.SendTo(env.Dest, src, env.Body)
	})
	proc.OnExit(func(err error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.procs[name] != proc {
			return
		}
		delete(s.procs, name)
		s.ex.Disconnect(name)
		s.logger.Info("service endpoint removed", zap.String("service", name), zap.Error(err))
	})
}

func (s *Server) forward(name string, env *packet.Envelope) {
	s.mu.Lock()
	proc := s.procs[name]
	s.mu.Unlock()
	if proc == nil || !proc.Alive() {
		s.logger.Debug("service terminated, dropping envelope", zap.String("service", name), zap.String("src", env.Src))
		return
	}
	if err := proc.Send(env); err != nil {
		s.logger.Warn("forward to service failed", zap.String("service", name), zap.Error(err))
	}
}

// Dial returns a consumer handle on a running service, or on the core endpoint.
// Pending calls fail with rpc.ErrServiceTerminated when the service process exits.
func (s *Server) Dial(name, endpoint string, identity uint32, opts ...client.Option) (*client.Service, error) {
	base := []client.Option{client.WithLogger(s.logger), client.WithMetrics(s.metrics)}
	if name != s.CoreName() {
		s.mu.Lock()
		proc := s.procs[name]
		s.mu.Unlock()
		if proc == nil {
			return nil, fmt.Errorf("%w: %s", service.ErrServiceNotFound, name)
		}
		base = append(base, client.WithDone(proc.Done()))
	}
	return client.Dial(s.ex, name, endpoint, identity, append(base, opts...)...)
}

// StartApp resolves name and starts a new instance of it.
func (s *Server) StartApp(ctx context.Context, name string, args ...string) (*App, error) {
	if s.packages == nil {
		return nil, fmt.Errorf("%w: %s", ErrAppNotFound, name)
	}
	info, err := s.packages.GetAppStartInfo(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.startApp(ctx, info, args)
}

// StartShell starts the shell app. The shell is an app like any other; it owns the
// window the other apps are placed in.
func (s *Server) StartShell(ctx context.Context, args ...string) (*App, error) {
	if s.packages == nil {
		return nil, fmt.Errorf("%w: no shell configured", ErrAppNotFound)
	}
	info, err := s.packages.GetShellAppStartInfo(ctx)
	if err != nil {
		return nil, err
	}
	return s.startApp(ctx, info, args)
}

func (s *Server) startApp(ctx context.Context, info AppStartInfo, args []string) (*App, error) {
	s.mu.Lock()
	id := s.nextApp
	s.nextApp++
	s.mu.Unlock()

	app := newApp(s, id, info)
	logger := s.logger.With(zap.String("app", app.Name()), zap.Int("instance", id))

	if provider := s.viewProvider(); provider != nil {
		t := info.Package.Start.View
		if t == "" {
			t = ViewMainWindow
		}
		view, err := provider.CreateView(ctx, t, info.Package.Start.ViewFlags)
		if err != nil {
			return nil, fmt.Errorf("server: create view for %s: %w", app.Name(), err)
		}
		app.view = view
		if err := view.LoadURL(ctx, info.ViewURL()); err != nil {
			logger.Warn("view failed to load", zap.String("url", info.ViewURL()), zap.Error(err))
		}
	}

	if err := s.ex.OnRecv(app.RenderEndpoint(), app.onRender); err != nil {
		return nil, err
	}
	if info.Package.Main != "" {
		if _, err := s.services.CreateService(ctx, app.Name(), info.ServicePath(), app.consumerID(), args...); err != nil {
			s.ex.Disconnect(app.RenderEndpoint())
			return nil, err
		}
	}

	s.mu.Lock()
	s.apps[id] = app
	s.mu.Unlock()
	logger.Info("app started", zap.String("render", app.RenderEndpoint()))
	return app, nil
}

func (s *Server) viewProvider() ViewProvider {
	if s.views != nil {
		return s.views
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requester != nil {
		return s.requester
	}
	return nil
}

// App returns the running instance id.
func (s *Server) App(id int) (*App, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[id]
	return app, ok
}

// Apps lists running instances ordered by id.
func (s *Server) Apps() []*App {
	s.mu.Lock()
	defer s.mu.Unlock()
	apps := make([]*App, 0, len(s.apps))
	for _, app := range s.apps {
		apps = append(apps, app)
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].id < apps[j].id })
	return apps
}

func (s *Server) removeApp(id int) {
	s.mu.Lock()
	delete(s.apps, id)
	s.mu.Unlock()
}

// Shutdown closes every app, stops all services and waits up to timeout for them and
// for in-flight core calls.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.stopMu.Lock()
	s.stopping = true
	s.stopMu.Unlock()

	s.ex.Disconnect(s.CoreName())
	for _, app := range s.Apps() {
		app.Close()
	}
	err := s.services.Shutdown(ctx)
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, fmt.Errorf("timeout waiting for core calls to finish"))
	}
	s.channels.CloseAll()
	return err
}
