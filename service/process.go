package service

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"apphost/codec"
	"apphost/packet"
	"apphost/transport"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrProcessTerminated is returned by Send once the process has exited or is exiting.
var ErrProcessTerminated = errors.New("service: process terminated")

// Process is the supervisor-side handle of one service process. Envelopes travel as
// framed messages on the child's stdin and stdout; stderr lines go to the logger.
type Process struct {
	name       string
	instanceID string
	moduleRef  string
	startedAt  time.Time

	cmd    *exec.Cmd
	conn   *transport.Conn
	stderr io.ReadCloser
	logger *zap.Logger

	mu        sync.Mutex
	onMessage []func(env *packet.Envelope)
	onExit    []func(err error)

	exiting atomic.Bool
	killed  atomic.Bool
	done    chan struct{}
	err     error
}

type spawnConfig struct {
	codec     codec.CodecType
	heartbeat time.Duration
	env       []string
	logger    *zap.Logger
}

// spawn starts the child. Envelopes are not read until start is called, so hooks can
// be attached before the first message arrives.
func spawn(name, moduleRef string, args []string, cfg spawnConfig) (*Process, error) {
	cmd := exec.Command(moduleRef, args...)
	cmd.Env = append(os.Environ(), cfg.env...)
	cmd.Env = append(cmd.Env,
		"APPHOST_SERVICE_NAME="+name,
		"APPHOST_CODEC="+codecName(cfg.codec),
		"APPHOST_HEARTBEAT="+cfg.heartbeat.String(),
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("service: start %s: %w", moduleRef, err)
	}

	p := &Process{
		name:       name,
		instanceID: uuid.New().String(),
		moduleRef:  moduleRef,
		startedAt:  time.Now(),
		cmd:        cmd,
		stderr:     stderr,
		done:       make(chan struct{}),
	}
	p.logger = cfg.logger.With(
		zap.String("service", name),
		zap.String("instance_id", p.instanceID),
		zap.Int("pid", cmd.Process.Pid),
	)
	p.conn = transport.New(stdout, stdin,
		transport.WithCodec(cfg.codec),
		transport.WithHeartbeat(cfg.heartbeat),
		transport.WithLogger(p.logger),
		transport.WithClosers(stdin),
	)
	return p, nil
}

func codecName(ct codec.CodecType) string {
	if ct == codec.CodecTypeBinary {
		return "binary"
	}
	return "json"
}

func (p *Process) start() {
	var logs sync.WaitGroup
	logs.Add(1)
	go func() {
		defer logs.Done()
		scanner := bufio.NewScanner(p.stderr)
		for scanner.Scan() {
			p.logger.Info(scanner.Text(), zap.String("stream", "stderr"))
		}
	}()

	p.conn.Start(p.dispatch)

	go func() {
		// Wait must not run before every read from the pipes has finished.
		<-p.conn.Done()
		logs.Wait()
		waitErr := p.cmd.Wait()
		if connErr := p.conn.Err(); connErr != nil && waitErr == nil {
			waitErr = connErr
		}
		p.conn.Close()

		p.mu.Lock()
		p.err = waitErr
		hooks := append([]func(error){}, p.onExit...)
		p.mu.Unlock()
		close(p.done)

		if waitErr != nil && !p.killed.Load() {
			p.logger.Warn("service process exited", zap.Error(waitErr))
		} else {
			p.logger.Info("service process exited")
		}
		for _, h := range hooks {
			h(waitErr)
		}
	}()
}

func (p *Process) dispatch(env *packet.Envelope) {
	p.mu.Lock()
	hooks := p.onMessage
	p.mu.Unlock()
	for _, h := range hooks {
		h(env)
	}
}

// Name returns the service name the process was spawned for.
func (p *Process) Name() string { return p.name }

// InstanceID returns the unique id of this process incarnation.
func (p *Process) InstanceID() string { return p.instanceID }

// ModuleRef returns the executable the process runs.
func (p *Process) ModuleRef() string { return p.moduleRef }

// StartedAt returns the spawn time.
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Pid returns the OS process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// LastSeen returns when the child last wrote a frame (envelope or heartbeat).
func (p *Process) LastSeen() time.Time { return p.conn.LastSeen() }

// Done is closed once the process has exited and its pipes are drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the exit error once Done is closed.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Alive reports whether the process is running and not being torn down.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return !p.exiting.Load()
	}
}

// OnMessage registers a hook for every envelope the child writes. Hooks run on the
// reader goroutine in arrival order.
func (p *Process) OnMessage(fn func(env *packet.Envelope)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onMessage = append(p.onMessage, fn)
}

// OnExit registers a hook run after the process exits. A hook registered after the
// exit runs immediately.
func (p *Process) OnExit(fn func(err error)) {
	p.mu.Lock()
	select {
	case <-p.done:
		err := p.err
		p.mu.Unlock()
		fn(err)
		return
	default:
	}
	p.onExit = append(p.onExit, fn)
	p.mu.Unlock()
}

// Send writes one envelope to the child.
func (p *Process) Send(env *packet.Envelope) error {
	if !p.Alive() {
		return ErrProcessTerminated
	}
	if err := p.conn.Send(env); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return ErrProcessTerminated
		}
		return err
	}
	return nil
}

// Exit tears the process down. force kills it at once; otherwise stdin is closed so
// the child can finish in-flight work and leave, and it is killed if still running
// after grace. Exit does not wait; use Done.
func (p *Process) Exit(force bool, grace time.Duration) {
	if !p.exiting.CompareAndSwap(false, true) {
		return
	}
	if force {
		p.kill()
		return
	}
	p.conn.Close()
	if grace <= 0 {
		return
	}
	go func() {
		select {
		case <-p.done:
		case <-time.After(grace):
			p.logger.Warn("service did not exit within grace period, killing", zap.Duration("grace", grace))
			p.kill()
		}
	}()
}

func (p *Process) kill() {
	p.killed.Store(true)
	p.conn.Close()
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("kill failed", zap.Error(err))
	}
}

// exitReason labels the exit for metrics.
func (p *Process) exitReason() string {
	switch {
	case p.killed.Load():
		return "killed"
	case p.Err() != nil:
		return "error"
	default:
		return "exit"
	}
}
