// Package sidechan is the side transport: a local socket for bulk data that should not
// travel through the framed process pipe.
//
// The accepting side numbers each connection and writes the number as a 4-byte
// little-endian unsigned integer before anything else. The dialing side reads exactly
// those 4 bytes and then owns a raw byte stream; no further framing is added, so
// callers put their own message boundaries on top. The id is usually passed to the
// other side over RPC so it can look the connection up with Listener.Channel.
package sidechan

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"apphost/metrics"

	"go.uber.org/zap"
)

// HandshakeSize is the length of the id written on accept.
const HandshakeSize = 4

var (
	ErrUnknownConn    = errors.New("sidechan: no connection with that id")
	ErrListenerClosed = errors.New("sidechan: listener closed")
)

// SocketPath is the well-known socket path of the process with the given identity.
// An empty dir means the system temp directory.
func SocketPath(dir string, identity uint32) string {
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, fmt.Sprintf("%d.sock", identity))
}

// Option configures a Listener.
type Option func(*Listener)

func WithLogger(logger *zap.Logger) Option {
	return func(l *Listener) { l.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Listener) { l.metrics = m }
}

// Listener accepts side connections and keeps them by id.
type Listener struct {
	ln      net.Listener
	path    string
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	nextID  uint32
	conns   map[uint32]*Conn
	waiters map[uint32][]chan struct{}
	closed  bool
}

// Listen binds a unix socket at path, replacing a stale socket file left by a
// previous process, and starts accepting.
func Listen(path string, opts ...Option) (*Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("sidechan: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		ln:      ln,
		path:    path,
		logger:  zap.NewNop(),
		conns:   make(map[uint32]*Conn),
		waiters: make(map[uint32][]chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.acceptLoop()
	return l, nil
}

// Path returns the socket path.
func (l *Listener) Path() string { return l.path }

func (l *Listener) acceptLoop() {
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if !closed {
				l.logger.Error("side transport accept failed", zap.Error(err))
			}
			return
		}
		l.admit(nc)
	}
}

// admit numbers the connection and stores it before writing the id, so by the time
// the dialer knows its id the connection can already be looked up.
func (l *Listener) admit(nc net.Conn) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	c := newConn(nc, id)
	c.onClose = func() { l.forget(id) }
	l.conns[id] = c
	waiters := l.waiters[id]
	delete(l.waiters, id)
	l.mu.Unlock()

	var hdr [HandshakeSize]byte
	binary.LittleEndian.PutUint32(hdr[:], id)
	if _, err := nc.Write(hdr[:]); err != nil {
		l.logger.Warn("side transport handshake failed", zap.Uint32("id", id), zap.Error(err))
		c.Close()
		return
	}
	l.metrics.SideConnection(1)
	for _, w := range waiters {
		close(w)
	}
	l.logger.Debug("side connection accepted", zap.Uint32("id", id))
}

func (l *Listener) forget(id uint32) {
	l.mu.Lock()
	_, ok := l.conns[id]
	delete(l.conns, id)
	l.mu.Unlock()
	if ok {
		l.metrics.SideConnection(-1)
	}
}

// Channel returns the connection with id.
func (l *Listener) Channel(id uint32) (*Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownConn, id)
	}
	return c, nil
}

// WaitChannel is Channel for an id that may not have been accepted yet.
func (l *Listener) WaitChannel(ctx context.Context, id uint32) (*Conn, error) {
	l.mu.Lock()
	if c, ok := l.conns[id]; ok {
		l.mu.Unlock()
		return c, nil
	}
	if l.closed {
		l.mu.Unlock()
		return nil, ErrListenerClosed
	}
	w := make(chan struct{})
	l.waiters[id] = append(l.waiters[id], w)
	l.mu.Unlock()

	select {
	case <-w:
		return l.Channel(id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of live connections.
func (l *Listener) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

// Close stops accepting, closes every connection and removes the socket file.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conns := make([]*Conn, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	for id, ws := range l.waiters {
		for _, w := range ws {
			close(w)
		}
		delete(l.waiters, id)
	}
	l.mu.Unlock()

	err := l.ln.Close()
	for _, c := range conns {
		c.Close()
	}
	return err
}

// Dial connects to the listener at path and reads the assigned id. ctx bounds the
// connect and the handshake.
func Dial(ctx context.Context, path string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		nc.SetReadDeadline(deadline)
	}
	var hdr [HandshakeSize]byte
	if _, err := io.ReadFull(nc, hdr[:]); err != nil {
		nc.Close()
		return nil, fmt.Errorf("sidechan: read channel id: %w", err)
	}
	nc.SetReadDeadline(time.Time{})
	return newConn(nc, binary.LittleEndian.Uint32(hdr[:])), nil
}
