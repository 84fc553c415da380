package channel

import "fmt"

// ID identifies a channel: the initiator's identity in bits 16..47 and a 16-bit
// sequence number below it. Identity 0 is the server side.
type ID uint64

// MakeID composes a channel id. A full uint32 identity fits, so a process id never
// truncates into a neighbour's namespace.
func MakeID(identity uint32, seq uint16) ID {
	return ID(uint64(identity)<<16 | uint64(seq))
}

// Identity returns the initiator namespace of the id.
func (id ID) Identity() uint32 { return uint32(uint64(id) >> 16) }

// Sequence returns the per-initiator counter of the id.
func (id ID) Sequence() uint16 { return uint16(id) }

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Identity(), id.Sequence())
}

// State is a position in the channel lifecycle.
type State int32

const (
	StateCreated     State = iota // Registered locally, nothing sent yet
	StateAwaitingAck              // Handshake sent or expected, peer not confirmed
	StateOpen                     // Both sides know the channel
	StateClosed                   // Terminal
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingAck:
		return "awaiting-ack"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
