package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"apphost/packet"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// MaxCallID is the largest call id handed out before the counter wraps to zero.
// It matches the largest integer a JSON number can carry without losing precision.
const MaxCallID uint64 = 1<<53 - 1

// SendFunc delivers an outgoing RPCCALL packet toward the remote server.
type SendFunc func(p packet.Packet) error

type result struct {
	resp *packet.CallResponse
	err  error
}

// Client issues calls over one route and resolves them as responses come back.
//
// The client never reads from the wire itself. Whoever owns the route feeds incoming
// responses to DispatchResult, which lets one client ride on a process pipe, an exchange
// endpoint or a channel alike.
type Client struct {
	send   SendFunc
	logger *zap.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan result
	closed  bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger used for unmatched responses.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client that sends requests with send.
func NewClient(send SendFunc, opts ...ClientOption) *Client {
	c := &Client{
		send:    send,
		logger:  zap.NewNop(),
		pending: make(map[uint64]chan result),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// register allocates a call id that no live call is using and parks a waiter on it.
func (c *Client) register() (uint64, chan result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil, ErrClientClosed
	}
	ch := make(chan result, 1)
	for {
		id := c.nextID
		if c.nextID == MaxCallID {
			c.nextID = 0
		} else {
			c.nextID++
		}
		if _, busy := c.pending[id]; !busy {
			c.pending[id] = ch
			return id, ch, nil
		}
	}
}

func (c *Client) take(id uint64) (chan result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return ch, ok
}

// Call invokes method on the remote server and waits for its return value.
// A remote failure comes back as *RemoteError. Cancelling ctx abandons the call; a late
// response for it is then logged and dropped.
func (c *Client) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	id, ch, err := c.register()
	if err != nil {
		return nil, err
	}

	p, err := packet.NewCallRequest(id, method, args...)
	if err != nil {
		c.take(id)
		return nil, err
	}
	if err := c.send(p); err != nil {
		c.take(id)
		return nil, fmt.Errorf("rpc: send %s: %w", method, err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.resp.Err != nil {
			return nil, &RemoteError{Method: method, Code: r.resp.Err.Code, Message: r.resp.Err.Message}
		}
		return r.resp.RetVal, nil
	case <-ctx.Done():
		c.take(id)
		return nil, ctx.Err()
	}
}

// CallInto is Call followed by decoding the return value into reply.
// A nil reply discards the value.
func (c *Client) CallInto(ctx context.Context, method string, reply any, args ...any) error {
	raw, err := c.Call(ctx, method, args...)
	if err != nil {
		return err
	}
	if reply == nil || len(raw) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(raw, reply); err != nil {
		return fmt.Errorf("rpc: decode %s result: %w", method, err)
	}
	return nil
}

// DispatchResult resolves the waiter for resp.CallID. A response nobody waits for is
// logged and dropped; it reports whether a waiter was found.
func (c *Client) DispatchResult(resp *packet.CallResponse) bool {
	ch, ok := c.take(resp.CallID)
	if !ok {
		c.logger.Error("response for unknown call id", zap.Uint64("call_id", resp.CallID))
		return false
	}
	ch <- result{resp: resp}
	return true
}

// Pending returns the number of calls waiting for a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// FailAll fails every waiting call with err. The client stays usable.
func (c *Client) FailAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan result)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- result{err: err}
	}
}

// Close fails waiting calls with ErrClientClosed and rejects new ones.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.FailAll(ErrClientClosed)
}
