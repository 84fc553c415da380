package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"apphost/packet"
)

var errShortBuffer = errors.New("BinaryCodec: truncated envelope")

// BinaryCodec lays an envelope out as:
//
//	destLen(2) dest  srcLen(2) src  type(1)  bodyLen(4) body
//
// All lengths are big-endian. The body is the packet's raw JSON, copied as is.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	// v must be *Envelope
	env, ok := v.(*packet.Envelope)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *packet.Envelope")
	}
	if len(env.Dest) > 0xFFFF || len(env.Src) > 0xFFFF {
		return nil, errors.New("BinaryCodec: endpoint name too long")
	}
	// Calculate the length of the envelope
	total := 2 + len(env.Dest) + 2 + len(env.Src) + 1 + 4 + len(env.Body.Body)
	buf := make([]byte, total)

	offset := 0
	offset = putString(buf, offset, env.Dest)
	offset = putString(buf, offset, env.Src)

	// Packet type -- 1 byte
	buf[offset] = byte(env.Body.Type)
	offset++

	// Body length -- 4 bytes
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(env.Body.Body)))
	offset += 4

	// Body -- n bytes
	copy(buf[offset:], env.Body.Body)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	// v must be *Envelope
	env, ok := v.(*packet.Envelope)
	if !ok {
		return errors.New("BinaryCodec: v must be *packet.Envelope")
	}

	offset := 0
	var err error

	if env.Dest, offset, err = readString(data, offset); err != nil {
		return err
	}
	if env.Src, offset, err = readString(data, offset); err != nil {
		return err
	}

	// Read packet type and body length
	if len(data) < offset+5 {
		return errShortBuffer
	}
	env.Body.Type = packet.Type(data[offset])
	offset++
	bodyLen := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4

	// Read body
	if len(data) < offset+bodyLen {
		return fmt.Errorf("%w: body wants %d bytes, have %d", errShortBuffer, bodyLen, len(data)-offset)
	}
	env.Body.Body = make([]byte, bodyLen)
	copy(env.Body.Body, data[offset:offset+bodyLen])

	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func putString(buf []byte, offset int, s string) int {
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(s)))
	offset += 2
	copy(buf[offset:offset+len(s)], s)
	return offset + len(s)
}

func readString(data []byte, offset int) (string, int, error) {
	if len(data) < offset+2 {
		return "", offset, errShortBuffer
	}
	n := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if len(data) < offset+n {
		return "", offset, errShortBuffer
	}
	return string(data[offset : offset+n]), offset + n, nil
}
