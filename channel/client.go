package channel

import (
	"apphost/packet"

	"go.uber.org/zap"
)

// Client originates channels under its identity.
type Client struct {
	*manager
}

// NewClient creates a client-role manager. identity namespaces every channel id it
// creates, so two clients talking to one server must use different identities.
func NewClient(send SendFunc, identity uint32, opts ...Option) *Client {
	return &Client{manager: newManager(send, identity, opts)}
}

// CreateChannel registers a new channel and sends the handshake frame. Wait on Ready
// before relying on delivery.
func (c *Client) CreateChannel() (*Channel, error) {
	ch, err := c.create()
	if err != nil {
		return nil, err
	}
	p, err := packet.NewChannelFrame(uint64(ch.id), nil)
	if err != nil {
		c.remove(ch.id)
		return nil, err
	}
	ch.setState(StateAwaitingAck)
	if err := c.deliver(ch.id, p); err != nil {
		c.remove(ch.id)
		return nil, err
	}
	return ch, nil
}

// BindChannelByPeerID always fails: a client never accepts channels numbered by others.
func (c *Client) BindChannelByPeerID(ID) (*Channel, error) {
	return nil, ErrBindOnClient
}

// DispatchChannelData handles one inbound frame. A handshake frame is the peer's
// acknowledgment of a channel this client created; route, when given, becomes the
// channel's return path.
func (c *Client) DispatchChannelData(frame *packet.ChannelFrame, route *Route) error {
	if c.dispatch(frame) {
		return nil
	}
	id := ID(frame.ChannelID)
	ch := c.GetChannel(id)
	if ch == nil {
		c.logger.Error("acknowledgment for unknown channel", zap.Stringer("channel", id))
		return ErrUnknownChannel
	}
	if route != nil {
		c.setPeer(id, route)
	}
	ch.markOpen()
	return nil
}
