// Package codec serializes envelopes for the process pipe.
//
// Two formats are available. JSON is self-describing and easy to inspect in a debugger;
// Binary writes the routing header as length-prefixed fields and the packet body verbatim,
// which avoids escaping the body a second time. The frame header records which codec
// produced a body, so a reader can decode frames from writers using either format.
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}

// ParseCodec maps a configuration name ("json", "binary") to a codec type.
func ParseCodec(name string) (CodecType, error) {
	switch name {
	case "", "json":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	default:
		return 0, fmt.Errorf("codec: unknown codec %q", name)
	}
}
