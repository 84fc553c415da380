// Package transport implements the framed duplex connection used across a process boundary.
//
// A Conn carries envelopes over any reader/writer pair: the stdout/stdin pipes of a spawned
// service on the supervisor side, os.Stdin/os.Stdout inside the service itself, or an
// io.Pipe in tests. A single background goroutine (recvLoop) reads frames in order and
// hands each envelope to the handler, so envelopes are delivered in the order they were
// written. Writers share one mutex so concurrent senders never interleave frames.
//
//	goroutine-1 ──Send──┐
//	goroutine-2 ──Send──┼──→ one pipe ──→ recvLoop ──→ handler(env) in order
//	goroutine-3 ──Send──┘
package transport

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"apphost/codec"
	"apphost/packet"
	"apphost/protocol"

	"go.uber.org/zap"
)

// ErrClosed is returned by Send once the connection has been closed.
var ErrClosed = errors.New("transport: connection closed")

// Handler receives every envelope read from the connection.
type Handler func(env *packet.Envelope)

// Conn manages one framed duplex stream.
type Conn struct {
	r       io.Reader
	w       io.Writer
	closers []io.Closer
	codec   codec.CodecType
	seq     uint32     // Frame counter (protected by sending mutex)
	sending sync.Mutex // Write lock, one frame at a time

	heartbeat time.Duration
	lastSeen  atomic.Int64 // Unix nanos of the last frame received
	logger    *zap.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	stop      chan struct{} // Closed by Close, stops the heartbeat loop
	done      chan struct{} // Closed when recvLoop exits
	err       error         // Read error that ended recvLoop, nil on clean EOF
}

// Option configures a Conn.
type Option func(*Conn)

// WithCodec selects the codec used for outgoing envelopes. Incoming frames are decoded
// with whatever codec their header names.
func WithCodec(ct codec.CodecType) Option {
	return func(c *Conn) { c.codec = ct }
}

// WithHeartbeat makes the connection send an empty heartbeat frame on the interval.
func WithHeartbeat(interval time.Duration) Option {
	return func(c *Conn) { c.heartbeat = interval }
}

// WithLogger sets the logger used for dropped frames.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Conn) { c.logger = logger }
}

// WithClosers registers resources closed together with the connection.
func WithClosers(closers ...io.Closer) Option {
	return func(c *Conn) { c.closers = append(c.closers, closers...) }
}

// New creates a connection reading frames from r and writing frames to w.
// Nothing is read until Start is called.
func New(r io.Reader, w io.Writer, opts ...Option) *Conn {
	c := &Conn{
		r:      r,
		w:      w,
		codec:  codec.CodecTypeJSON,
		logger: zap.NewNop(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the receive loop (and the heartbeat loop when configured).
// handler is called from the receive goroutine, one envelope at a time.
func (c *Conn) Start(handler Handler) {
	go c.recvLoop(handler)
	if c.heartbeat > 0 {
		go c.heartbeatLoop(c.heartbeat)
	}
}

// Send encodes and writes one envelope.
//
// The sending mutex makes the whole frame (header + body) atomic with respect to other
// senders; without it concurrent writes would interleave bytes and corrupt the stream.
func (c *Conn) Send(env *packet.Envelope) error {
	if c.closed.Load() {
		return ErrClosed
	}

	cdc := codec.GetCodec(c.codec)
	body, err := cdc.Encode(env)
	if err != nil {
		return err
	}

	c.sending.Lock()
	defer c.sending.Unlock()

	c.seq++
	header := protocol.Header{
		CodecType: byte(c.codec),
		MsgType:   protocol.MsgTypeEnvelope,
		Seq:       c.seq,
	}
	return protocol.Encode(c.w, &header, body)
}

// recvLoop reads frames sequentially. A pipe is a byte stream, so only one reader may
// parse frame boundaries. Heartbeats only refresh LastSeen. An envelope that fails to
// decode is dropped and logged; a framing error ends the loop because the stream can no
// longer be trusted.
func (c *Conn) recvLoop(handler Handler) {
	defer close(c.done)
	for {
		header, body, err := protocol.Decode(c.r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) && !c.closed.Load() {
				c.err = err
			}
			return
		}
		c.lastSeen.Store(time.Now().UnixNano())

		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		var env packet.Envelope
		cdc := codec.GetCodec(codec.CodecType(header.CodecType))
		if err := cdc.Decode(body, &env); err != nil {
			c.logger.Warn("dropping undecodable envelope", zap.Uint32("seq", header.Seq), zap.Error(err))
			continue
		}
		if handler != nil {
			handler(&env)
		}
	}
}

// heartbeatLoop sends periodic heartbeat frames so the peer can tell a busy process from
// a hung one.
func (c *Conn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}
		// Heartbeat writes also need the sending lock to avoid frame interleaving
		c.sending.Lock()
		c.seq++
		header.Seq = c.seq
		err := protocol.Encode(c.w, header, nil)
		c.sending.Unlock()
		if err != nil {
			return // Connection broken, exit heartbeat loop
		}
	}
}

// Done is closed when the receive loop has ended (peer closed its end or a read failed).
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the read error that ended the receive loop, or nil after a clean EOF.
// It is only meaningful after Done is closed.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// LastSeen returns when the last frame of any kind arrived. Zero if none has.
func (c *Conn) LastSeen() time.Time {
	ns := c.lastSeen.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Close stops sending and closes the registered closers. It does not wait for the
// receive loop; use Done for that.
func (c *Conn) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stop)
		for _, cl := range c.closers {
			if err := cl.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
