package packet

import "encoding/json"

// Dispatch inspects the packet type and invokes exactly one of the callbacks with the
// decoded body. A nil callback means the caller is not interested in that kind.
//
// Unknown types are ignored rather than treated as errors so that newer peers can add
// packet kinds without breaking older ones. A body that does not decode for its declared
// type is dropped the same way. Dispatch reports whether a callback was invoked.
func Dispatch(p Packet, onReady func(json.RawMessage), onCall func(*Call), onChannel func(*ChannelFrame)) bool {
	switch p.Type {
	case TypeAppReady:
		if onReady == nil {
			return false
		}
		onReady(p.Body)
		return true
	case TypeRPCCall:
		if onCall == nil {
			return false
		}
		var call Call
		if err := json.Unmarshal(p.Body, &call); err != nil {
			return false
		}
		onCall(&call)
		return true
	case TypeChannel:
		if onChannel == nil {
			return false
		}
		var frame ChannelFrame
		if err := json.Unmarshal(p.Body, &frame); err != nil {
			return false
		}
		onChannel(&frame)
		return true
	default:
		return false
	}
}
