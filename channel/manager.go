// Package channel multiplexes duplex, ordered streams over one transport.
//
// A channel is opened by exactly one side. The Client role originates channels under
// its own identity and waits for the peer's acknowledgment; the Server role only
// accepts channels numbered by a remote initiator. A CHANNEL frame with null data is
// the handshake: the initiator sends it on create, the acceptor remembers how to reach
// the initiator and answers with its own null frame, which raises Ready on the
// initiator's channel. A frame with Close set ends the channel on both sides.
package channel

import (
	"errors"
	"sync"

	"apphost/metrics"
	"apphost/packet"

	"go.uber.org/zap"
)

var (
	ErrBindOnClient         = errors.New("channel: can not bind a channel by peer id on the client side")
	ErrCreateOnServer       = errors.New("channel: can not create a channel on the server side")
	ErrUnknownChannel       = errors.New("channel: unknown channel id")
	ErrNoFreeChannelID      = errors.New("channel: all channel sequence numbers are in use")
	ErrChannelClosed        = errors.New("channel: closed")
	ErrSubscriptionCanceled = errors.New("channel: subscription canceled")
	ErrNullData             = errors.New("channel: null data is reserved for the handshake")
)

// Route is how frames reach the peer of a channel.
type Route struct {
	Dest string
	Src  string
}

// SendFunc hands an outgoing CHANNEL packet to the transport. route is nil when the
// peer has not been learned yet; a transport that cannot route without it drops the
// packet.
type SendFunc func(p packet.Packet, route *Route) error

// Option configures a manager.
type Option func(*manager)

// WithLogger sets the manager logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *manager) { m.logger = logger }
}

// WithMetrics records open channels.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *manager) { m.metrics = mt }
}

// manager holds the state shared by the Client and Server roles.
type manager struct {
	identity uint32
	send     SendFunc
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	nextSeq  uint16
	channels map[ID]*Channel
	peers    map[ID]*Route
}

func newManager(send SendFunc, identity uint32, opts []Option) *manager {
	m := &manager{
		identity: identity,
		send:     send,
		logger:   zap.NewNop(),
		channels: make(map[ID]*Channel),
		peers:    make(map[ID]*Route),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Identity returns the namespace used for channels this manager originates.
func (m *manager) Identity() uint32 { return m.identity }

// GetChannel returns the channel with id, or nil.
func (m *manager) GetChannel(id ID) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[id]
}

// Len returns the number of channels in the table.
func (m *manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// CloseAll ends every channel locally without notifying peers. It is used when the
// transport under the manager is gone.
func (m *manager) CloseAll() {
	m.mu.Lock()
	ids := make([]ID, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.remove(id)
	}
}

// create allocates the next free sequence number under the manager identity. A
// sequence still held by a live channel is skipped.
func (m *manager) create() (*Channel, error) {
	m.mu.Lock()
	var ch *Channel
	for tries := 0; tries <= 0xFFFF; tries++ {
		id := MakeID(m.identity, m.nextSeq)
		m.nextSeq++
		if _, live := m.channels[id]; live {
			continue
		}
		ch = newChannel(m, id, StateCreated)
		m.channels[id] = ch
		break
	}
	m.mu.Unlock()
	if ch == nil {
		return nil, ErrNoFreeChannelID
	}
	m.metrics.ChannelOpened()
	return ch, nil
}

// bind returns the channel with id, registering it if needed.
func (m *manager) bind(id ID) *Channel {
	m.mu.Lock()
	ch, ok := m.channels[id]
	if !ok {
		ch = newChannel(m, id, StateAwaitingAck)
		m.channels[id] = ch
	}
	m.mu.Unlock()
	if !ok {
		m.metrics.ChannelOpened()
	}
	return ch
}

func (m *manager) setPeer(id ID, route *Route) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[id] = route
}

func (m *manager) remove(id ID) {
	m.mu.Lock()
	ch, ok := m.channels[id]
	delete(m.channels, id)
	delete(m.peers, id)
	m.mu.Unlock()
	if ok {
		ch.terminate()
		m.metrics.ChannelClosed()
	}
}

// deliver sends p toward the remembered peer of channel id.
func (m *manager) deliver(id ID, p packet.Packet) error {
	m.mu.Lock()
	route := m.peers[id]
	m.mu.Unlock()
	if m.send == nil {
		return nil
	}
	return m.send(p, route)
}

// dispatch routes frames that need no role-specific handling. It reports whether the
// frame was consumed.
func (m *manager) dispatch(frame *packet.ChannelFrame) bool {
	id := ID(frame.ChannelID)
	if frame.Close {
		m.remove(id)
		return true
	}
	if frame.IsHandshake() {
		return false
	}
	ch := m.GetChannel(id)
	if ch == nil {
		m.logger.Debug("dropping frame for unknown channel", zap.Stringer("channel", id))
		return true
	}
	ch.onData(frame.Data)
	return true
}
