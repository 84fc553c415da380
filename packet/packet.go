// Package packet defines the messages exchanged between endpoints of the application host.
//
// Every message that moves between processes is an Envelope addressed by logical endpoint
// name. The envelope body is a Packet, a tagged union with three kinds:
//
//	APPREADY (0)  liveness / handshake signal, opaque body
//	RPCCALL  (1)  a CallRequest or a CallResponse
//	CHANNEL  (2)  a ChannelFrame belonging to a multiplexed channel
//
// Bodies are kept as raw JSON so that routing layers (exchange, transport) never need to
// understand them; only the endpoint that consumes a packet decodes its body.
package packet

import (
	"bytes"
	"encoding/json"
)

// Type is the discriminant of a Packet.
type Type uint8

const (
	TypeAppReady Type = 0 // Liveness / handshake signal
	TypeRPCCall  Type = 1 // Call request or call response
	TypeChannel  Type = 2 // Channel frame
)

// String returns the wire name of the packet type.
func (t Type) String() string {
	switch t {
	case TypeAppReady:
		return "APPREADY"
	case TypeRPCCall:
		return "RPCCALL"
	case TypeChannel:
		return "CHANNEL"
	default:
		return "UNKNOWN"
	}
}

// Packet is the tagged message carried inside an Envelope.
type Packet struct {
	Type Type            `json:"type"`
	Body json.RawMessage `json:"body"`
}

// Envelope is the routing unit: a Packet addressed from one logical endpoint to another.
// Envelopes exist only in transit and are never persisted.
type Envelope struct {
	Dest string `json:"dest"`
	Src  string `json:"src"`
	Body Packet `json:"body"`
}

// CallRequest asks the remote RPC server to invoke Method with Args.
type CallRequest struct {
	CallID uint64            `json:"callId"`
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args"`
}

// Error codes carried in CallError.Code.
const (
	CodeNoMethod    = "ENOMETHOD"  // No handler registered under the method name
	CodeBadArgs     = "EBADARGS"   // Arguments did not decode into the handler's parameters
	CodeTimeout     = "ETIMEDOUT"  // Handler exceeded the server's deadline
	CodeRateLimited = "ERATELIMIT" // Server refused the call under its rate limit
	CodeInternal    = "EINTERNAL"  // Handler failed or panicked
)

// CallError is the wire form of a failed call.
type CallError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// CallResponse carries the result of the call identified by CallID.
// Exactly one of RetVal and Err is meaningful; a response never carries a method or args.
type CallResponse struct {
	CallID uint64          `json:"callId"`
	RetVal json.RawMessage `json:"retVal,omitempty"`
	Err    *CallError      `json:"err,omitempty"`
}

// ChannelFrame carries one unit of channel data.
//
// A frame whose Data is absent or JSON null (and Close is false) is the handshake
// signal: "please acknowledge this channel". It is never a real payload.
type ChannelFrame struct {
	ChannelID uint64          `json:"channelId"`
	Data      json.RawMessage `json:"data"`
	Close     bool            `json:"close,omitempty"`
}

var jsonNull = []byte("null")

// IsHandshake reports whether the frame is the open/acknowledge signal.
func (f *ChannelFrame) IsHandshake() bool {
	return !f.Close && isNull(f.Data)
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), jsonNull)
}

// Call is an inbound RPCCALL body before it is known to be a request or a response.
// The two shapes are told apart structurally: only requests carry a method.
type Call struct {
	CallID uint64            `json:"callId"`
	Method *string           `json:"method,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`
	RetVal json.RawMessage   `json:"retVal,omitempty"`
	Err    *CallError        `json:"err,omitempty"`
}

// Request returns the call as a CallRequest if it is one.
func (c *Call) Request() (*CallRequest, bool) {
	if c.Method == nil {
		return nil, false
	}
	return &CallRequest{CallID: c.CallID, Method: *c.Method, Args: c.Args}, true
}

// Response returns the call as a CallResponse if it is one.
func (c *Call) Response() (*CallResponse, bool) {
	if c.Method != nil {
		return nil, false
	}
	return &CallResponse{CallID: c.CallID, RetVal: c.RetVal, Err: c.Err}, true
}
