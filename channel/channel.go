package channel

import (
	"bytes"
	"encoding/json"
	"sync"

	"apphost/packet"

	"github.com/bytedance/sonic"
)

// Channel is a duplex, ordered stream multiplexed over its manager's transport.
type Channel struct {
	id  ID
	mgr *manager

	mu      sync.Mutex
	state   State
	subs    []*Subscription
	backlog []json.RawMessage // Frames received before the first subscriber

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
}

func newChannel(mgr *manager, id ID, state State) *Channel {
	return &Channel{
		id:    id,
		mgr:   mgr,
		state: state,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// ID returns the channel id.
func (c *Channel) ID() ID { return c.id }

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready is closed once the peer has acknowledged the channel.
func (c *Channel) Ready() <-chan struct{} { return c.ready }

// Done is closed when the channel reaches StateClosed.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Send encodes v and sends it as one data frame. A value that encodes to JSON null is
// rejected because null is the handshake signal.
func (c *Channel) Send(v any) error {
	raw, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendRaw(raw)
}

// SendRaw sends already-encoded JSON as one data frame.
func (c *Channel) SendRaw(data json.RawMessage) error {
	if trimmed := bytes.TrimSpace(data); len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ErrNullData
	}
	if c.State() == StateClosed {
		return ErrChannelClosed
	}
	p, err := packet.NewChannelFrame(uint64(c.id), data)
	if err != nil {
		return err
	}
	return c.mgr.deliver(c.id, p)
}

// Subscribe starts a new subscription. The first subscriber also receives every frame
// that arrived before anyone subscribed. Subscribing to a closed channel yields an
// already-ended subscription.
func (c *Channel) Subscribe() *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := newSubscription(c, c.backlog)
	c.backlog = nil
	if c.state == StateClosed {
		sub.end(ErrChannelClosed)
		return sub
	}
	c.subs = append(c.subs, sub)
	return sub
}

// Close sends the close frame to the peer and tears the channel down locally.
func (c *Channel) Close() error {
	if c.State() == StateClosed {
		return nil
	}
	p, err := packet.NewChannelClose(uint64(c.id))
	if err != nil {
		return err
	}
	sendErr := c.mgr.deliver(c.id, p)
	c.mgr.remove(c.id)
	return sendErr
}

func (c *Channel) unsubscribe(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

func (c *Channel) onData(data json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	if len(c.subs) == 0 {
		c.backlog = append(c.backlog, data)
		return
	}
	for _, s := range c.subs {
		s.push(data)
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed {
		c.state = s
	}
}

// markOpen moves the channel to StateOpen and raises Ready. It reports whether this
// call raised it.
func (c *Channel) markOpen() bool {
	raised := false
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = StateOpen
		c.readyOnce.Do(func() {
			close(c.ready)
			raised = true
		})
	}
	c.mu.Unlock()
	return raised
}

// terminate moves the channel to StateClosed and ends its subscriptions.
func (c *Channel) terminate() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	subs := c.subs
	c.subs = nil
	c.backlog = nil
	c.mu.Unlock()

	for _, s := range subs {
		s.end(ErrChannelClosed)
	}
	close(c.done)
}
