package channel

import "apphost/packet"

// Server accepts channels opened by remote initiators.
type Server struct {
	*manager
}

// NewServer creates a server-role manager. Its own identity is 0.
func NewServer(send SendFunc, opts ...Option) *Server {
	return &Server{manager: newManager(send, 0, opts)}
}

// CreateChannel always fails: a server never originates channels.
func (s *Server) CreateChannel() (*Channel, error) {
	return nil, ErrCreateOnServer
}

// BindChannelByPeerID returns the channel numbered id by its initiator, registering it
// if the handshake has not arrived yet.
func (s *Server) BindChannelByPeerID(id ID) (*Channel, error) {
	return s.bind(id), nil
}

// DispatchChannelData handles one inbound frame. A handshake frame binds the channel,
// remembers route as the way back to the initiator and answers with a handshake frame.
func (s *Server) DispatchChannelData(frame *packet.ChannelFrame, route *Route) error {
	if s.dispatch(frame) {
		return nil
	}
	id := ID(frame.ChannelID)
	ch := s.bind(id)
	s.setPeer(id, route)
	ch.markOpen()

	p, err := packet.NewChannelFrame(uint64(id), nil)
	if err != nil {
		return err
	}
	return s.deliver(id, p)
}
