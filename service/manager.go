// Package service owns the worker processes behind named services.
//
// One process runs per service name no matter how many consumers use it. Each consumer
// is recorded in the service's consumer set; the process lives exactly as long as
// that set is non-empty. A process that died on its own is replaced the next time a
// consumer asks for the service.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"apphost/codec"
	"apphost/metrics"
	"apphost/registry"

	"go.uber.org/zap"
)

// ErrServiceNotFound is returned by GetService for an unknown name or a consumer that
// does not hold the service.
var ErrServiceNotFound = errors.New("service: not found")

type entry struct {
	proc      *Process
	consumers map[string]struct{}
}

// Manager is the service table.
type Manager struct {
	logger    *zap.Logger
	metrics   *metrics.Metrics
	registry  registry.Registry
	codec     codec.CodecType
	heartbeat time.Duration
	grace     time.Duration
	env       []string
	onSpawn   []func(p *Process)

	mu       sync.Mutex
	services map[string]*entry
	wg       sync.WaitGroup // Live processes, waited on by Shutdown
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithRegistry publishes running services to reg.
func WithRegistry(reg registry.Registry) Option {
	return func(m *Manager) { m.registry = reg }
}

// WithCodec selects the pipe codec for new processes.
func WithCodec(ct codec.CodecType) Option {
	return func(m *Manager) { m.codec = ct }
}

// WithHeartbeat makes both ends of new process pipes send heartbeats.
func WithHeartbeat(interval time.Duration) Option {
	return func(m *Manager) { m.heartbeat = interval }
}

// WithGrace bounds how long a graceful teardown waits before killing.
func WithGrace(grace time.Duration) Option {
	return func(m *Manager) { m.grace = grace }
}

// WithEnv adds KEY=VALUE pairs to the environment of new processes.
func WithEnv(env ...string) Option {
	return func(m *Manager) { m.env = append(m.env, env...) }
}

// WithSpawnHook runs fn for every new process before it starts reading, so
// message hooks attached there see the first envelope.
func WithSpawnHook(fn func(p *Process)) Option {
	return func(m *Manager) { m.onSpawn = append(m.onSpawn, fn) }
}

// NewManager creates an empty service table.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:   zap.NewNop(),
		grace:    3 * time.Second,
		services: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateService returns the process for name, spawning moduleRef with args if none is
// running, and adds consumerID to its consumer set.
func (m *Manager) CreateService(ctx context.Context, name, moduleRef, consumerID string, args ...string) (*Process, error) {
	if name == "" || consumerID == "" {
		return nil, fmt.Errorf("service: name and consumer id are required")
	}

	m.mu.Lock()
	e, ok := m.services[name]
	if ok && e.proc.Alive() {
		e.consumers[consumerID] = struct{}{}
		m.mu.Unlock()
		return e.proc, nil
	}

	proc, err := spawn(name, moduleRef, args, spawnConfig{
		codec:     m.codec,
		heartbeat: m.heartbeat,
		env:       m.env,
		logger:    m.logger,
	})
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if !ok {
		e = &entry{consumers: make(map[string]struct{})}
		m.services[name] = e
	} else {
		m.logger.Info("restarting service", zap.String("service", name))
	}
	e.proc = proc
	e.consumers[consumerID] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	proc.OnExit(func(error) { m.onExit(proc) })
	for _, hook := range m.onSpawn {
		hook(proc)
	}
	proc.start()

	m.metrics.ServiceStarted()
	m.logger.Info("service started",
		zap.String("service", name),
		zap.String("module", moduleRef),
		zap.Int("pid", proc.Pid()),
	)
	if m.registry != nil {
		rec := registry.Record{
			Name:       name,
			InstanceID: proc.InstanceID(),
			Pid:        proc.Pid(),
			ModuleRef:  moduleRef,
			StartedAt:  proc.StartedAt(),
		}
		if err := m.registry.Register(ctx, rec); err != nil {
			m.logger.Warn("registry register failed", zap.String("service", name), zap.Error(err))
		}
	}
	return proc, nil
}

func (m *Manager) onExit(proc *Process) {
	defer m.wg.Done()
	m.metrics.ServiceStopped(proc.exitReason())

	m.mu.Lock()
	e, ok := m.services[proc.Name()]
	current := ok && e.proc == proc
	m.mu.Unlock()

	// A replacement process owns the registry record now.
	if m.registry != nil && (current || !ok) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.registry.Deregister(ctx, proc.Name()); err != nil {
			m.logger.Warn("registry deregister failed", zap.String("service", proc.Name()), zap.Error(err))
		}
	}
}

// TerminateService removes consumerID from the consumer set of name. The last
// consumer to leave tears the process down. Unknown names are ignored.
func (m *Manager) TerminateService(name, consumerID string, force bool) {
	m.mu.Lock()
	e, ok := m.services[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(e.consumers, consumerID)
	if len(e.consumers) > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.services, name)
	m.mu.Unlock()

	m.logger.Info("stopping service", zap.String("service", name), zap.Bool("force", force))
	e.proc.Exit(force, m.grace)
}

// GetService returns the process for name if consumerID holds it.
func (m *Manager) GetService(name, consumerID string) (*Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.services[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	if _, member := e.consumers[consumerID]; !member {
		return nil, fmt.Errorf("%w: %s-%s", ErrServiceNotFound, name, consumerID)
	}
	return e.proc, nil
}

// Consumers lists the consumer ids holding name.
func (m *Manager) Consumers(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.services[name]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(e.consumers))
	for id := range e.consumers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Services lists the names in the service table.
func (m *Manager) Services() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown drops every consumer and tears all processes down gracefully, then waits
// for them to exit or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	entries := m.services
	m.services = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		e.proc.Exit(false, m.grace)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, e := range entries {
			e.proc.kill()
		}
		return fmt.Errorf("timeout waiting for services to exit: %w", ctx.Err())
	}
}
