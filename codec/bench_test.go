package codec

import (
	"encoding/json"
	"testing"

	"apphost/packet"
)

func benchEnvelope() *packet.Envelope {
	return &packet.Envelope{
		Dest: "notes",
		Src:  "notes-render-0",
		Body: packet.Packet{
			Type: packet.TypeRPCCall,
			Body: json.RawMessage(`{"callId":1,"method":"echo","args":["ping"]}`),
		},
	}
}

// JSON 编解码性能
func BenchmarkCodecJSON(b *testing.B) {
	benchCodec(b, GetCodec(CodecTypeJSON))
}

// Binary 编解码性能
func BenchmarkCodecBinary(b *testing.B) {
	benchCodec(b, GetCodec(CodecTypeBinary))
}

func benchCodec(b *testing.B, cdc Codec) {
	env := benchEnvelope()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := cdc.Encode(env)
		if err != nil {
			b.Fatal(err)
		}
		var out packet.Envelope
		if err := cdc.Decode(data, &out); err != nil {
			b.Fatal(err)
		}
	}
}
