package worker

import (
	"context"
	"os"
	"sync"

	"apphost/channel"
	"apphost/sidechan"

	"go.uber.org/zap"
)

// Env is what service code can reach from inside the worker: the channel server that
// accepts consumer channels and the process's side transport.
type Env struct {
	name     string
	args     []string
	identity uint32
	sideDir  string
	channels *channel.Server
	logger   *zap.Logger

	sideOnce sync.Once
	side     *sidechan.Listener
	sideErr  error
}

type envKey struct{}

// EnvFrom returns the Env of the worker serving ctx, or nil outside a worker.
func EnvFrom(ctx context.Context) *Env {
	env, _ := ctx.Value(envKey{}).(*Env)
	return env
}

func withEnv(ctx context.Context, env *Env) context.Context {
	return context.WithValue(ctx, envKey{}, env)
}

// ServiceName is the name the supervisor spawned this process for.
func (e *Env) ServiceName() string { return e.name }

// Args are the spawn arguments.
func (e *Env) Args() []string { return e.args }

// Logger is the worker logger.
func (e *Env) Logger() *zap.Logger { return e.logger }

// BindChannelByPeerID returns the channel a consumer opened with id.
func (e *Env) BindChannelByPeerID(id channel.ID) (*channel.Channel, error) {
	return e.channels.BindChannelByPeerID(id)
}

// SideSocketPath is where this process's side transport listens.
func (e *Env) SideSocketPath() string {
	return sidechan.SocketPath(e.sideDir, e.identity)
}

// ListenSide starts the side transport listener. Later calls return the same listener.
func (e *Env) ListenSide() (*sidechan.Listener, error) {
	e.sideOnce.Do(func() {
		e.side, e.sideErr = sidechan.Listen(e.SideSocketPath(), sidechan.WithLogger(e.logger))
	})
	return e.side, e.sideErr
}

// BindSideChannel returns the side connection numbered id, waiting for it to be
// accepted if necessary.
func (e *Env) BindSideChannel(ctx context.Context, id uint32) (*sidechan.Conn, error) {
	l, err := e.ListenSide()
	if err != nil {
		return nil, err
	}
	return l.WaitChannel(ctx, id)
}

func (e *Env) close() {
	e.channels.CloseAll()
	if e.side != nil {
		e.side.Close()
	}
}

func defaultIdentity() uint32 { return uint32(os.Getpid()) }
