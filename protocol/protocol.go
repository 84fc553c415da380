// Package protocol frames envelopes on the stdin/stdout pipes of a service process.
//
// Each frame is a 14-byte header and the encoded envelope. The reader takes the header,
// learns the body length from it and then reads the body in one go, so envelope
// boundaries survive whatever chunking the pipe applies.
//
// Frame layout:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ aph  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// A child that writes anything else to stdout (a stray print, a panic trace) fails the
// magic check on the next frame instead of being parsed as a length.
const (
	MagicNumber byte   = 0x61 // 'a'
	MagicByte2  byte   = 0x70 // 'p'
	MagicByte3  byte   = 0x68 // 'h'
	Version     byte   = 0x01
	HeaderSize  int    = 14
	MaxBodyLen  uint32 = 64 << 20 // Bulk data belongs on the side transport
)

// MsgType tells envelope frames from heartbeats.
type MsgType byte

const (
	MsgTypeEnvelope  MsgType = 0 // Body is an encoded packet.Envelope
	MsgTypeHeartbeat MsgType = 1 // Empty body, only refreshes the peer's last-seen time
)

// Codec ids as written in the header. The codec package owns their meaning.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header is the fixed part of a frame.
type Header struct {
	CodecType byte
	MsgType   MsgType
	Seq       uint32 // Per-writer counter, handy when matching logs of both ends
	BodyLen   uint32 // Filled in by Decode; Encode uses len(body)
}

// Encode writes h and body as one frame. Concurrent writers on the same pipe must
// serialize their calls.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodyLen {
		return fmt.Errorf("frame body too large: %d bytes", len(body))
	}
	frame := make([]byte, HeaderSize+len(body))
	frame[0], frame[1], frame[2] = MagicNumber, MagicByte2, MagicByte3
	frame[3] = Version
	frame[4] = h.CodecType
	frame[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(frame[6:10], h.Seq)
	binary.BigEndian.PutUint32(frame[10:14], uint32(len(body)))
	copy(frame[HeaderSize:], body)

	// a single Write keeps the header and its body together on the pipe
	_, err := w.Write(frame)
	return err
}

// Decode reads the next frame from r. A clean end of stream between frames is
// reported as io.EOF.
func Decode(r io.Reader) (*Header, []byte, error) {
	var raw [HeaderSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return nil, nil, err
	}
	h, err := parseHeader(raw)
	if err != nil {
		return nil, nil, err
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}

func parseHeader(raw [HeaderSize]byte) (*Header, error) {
	switch {
	case raw[0] != MagicNumber || raw[1] != MagicByte2 || raw[2] != MagicByte3:
		return nil, fmt.Errorf("invalid magic number: %x", raw[0:3])
	case raw[3] != Version:
		return nil, fmt.Errorf("unsupported version: %d", raw[3])
	case raw[4] != CodecTypeJSON && raw[4] != CodecTypeBinary:
		return nil, fmt.Errorf("unsupported codec type: %d", raw[4])
	case MsgType(raw[5]) != MsgTypeEnvelope && MsgType(raw[5]) != MsgTypeHeartbeat:
		return nil, fmt.Errorf("unsupported message type: %d", raw[5])
	}

	h := &Header{
		CodecType: raw[4],
		MsgType:   MsgType(raw[5]),
		Seq:       binary.BigEndian.Uint32(raw[6:10]),
		BodyLen:   binary.BigEndian.Uint32(raw[10:14]),
	}
	if h.BodyLen > MaxBodyLen {
		return nil, fmt.Errorf("frame body too large: %d bytes", h.BodyLen)
	}
	return h, nil
}
