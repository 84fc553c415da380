package codec

import (
	"github.com/bytedance/sonic"
)

// JSONCodec encodes envelopes as JSON using sonic.
// Pros: human-readable, any peer can decode it.
// Cons: packet bodies are already JSON and get embedded as nested objects.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
