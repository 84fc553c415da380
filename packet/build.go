package packet

import (
	"encoding/json"
	"fmt"
)

func newPacket(t Type, body any) (Packet, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Packet{}, fmt.Errorf("packet: encode %s body: %w", t, err)
	}
	return Packet{Type: t, Body: raw}, nil
}

// NewAppReady builds an APPREADY packet with an opaque body.
func NewAppReady(body any) (Packet, error) {
	return newPacket(TypeAppReady, body)
}

// NewCallRequest builds an RPCCALL packet carrying a call request.
// Each argument is encoded separately so the server can decode them one by one.
func NewCallRequest(callID uint64, method string, args ...any) (Packet, error) {
	encoded := make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		if raw, ok := arg.(json.RawMessage); ok {
			encoded = append(encoded, raw)
			continue
		}
		raw, err := json.Marshal(arg)
		if err != nil {
			return Packet{}, fmt.Errorf("packet: encode argument %d of %s: %w", i, method, err)
		}
		encoded = append(encoded, raw)
	}
	return newPacket(TypeRPCCall, &CallRequest{CallID: callID, Method: method, Args: encoded})
}

// NewCallResponse builds an RPCCALL packet carrying a call response.
func NewCallResponse(resp *CallResponse) (Packet, error) {
	return newPacket(TypeRPCCall, resp)
}

// NewChannelFrame builds a CHANNEL packet. A nil data value produces the handshake frame.
func NewChannelFrame(channelID uint64, data json.RawMessage) (Packet, error) {
	if data == nil {
		data = jsonNull
	}
	return newPacket(TypeChannel, &ChannelFrame{ChannelID: channelID, Data: data})
}

// NewChannelClose builds the CHANNEL packet that ends a channel.
func NewChannelClose(channelID uint64) (Packet, error) {
	return newPacket(TypeChannel, &ChannelFrame{ChannelID: channelID, Data: jsonNull, Close: true})
}
