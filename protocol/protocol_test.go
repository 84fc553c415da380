package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		MsgType:   MsgTypeEnvelope,
		Seq:       12345,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &header, body))

	decodedHeader, decodedBody, err := Decode(&buf)
	require.NoError(t, err)

	assert.Equal(t, header.CodecType, decodedHeader.CodecType)
	assert.Equal(t, header.MsgType, decodedHeader.MsgType)
	assert.Equal(t, header.Seq, decodedHeader.Seq)
	assert.Equal(t, uint32(len(body)), decodedHeader.BodyLen)
	assert.Equal(t, body, decodedBody)
}

func TestDecodeInvalidMagic(t *testing.T) {
	invalidHeader := []byte{0x00, 0x00, 0x00, Version, CodecTypeJSON, byte(MsgTypeEnvelope), 0x00, 0x00, 0x30, 0x39, 0x00, 0x00, 0x00, 0x0B}
	var buf bytes.Buffer
	buf.Write(invalidHeader)
	buf.Write([]byte("hello world"))

	_, _, err := Decode(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid magic number")
}

func TestDecodeHeartbeat(t *testing.T) {
	header := Header{MsgType: MsgTypeHeartbeat, Seq: 3}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &header, nil))

	decodedHeader, decodedBody, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgTypeHeartbeat, decodedHeader.MsgType)
	assert.Zero(t, decodedHeader.BodyLen)
	assert.Empty(t, decodedBody)
}

func TestDecodeInvalidVersion(t *testing.T) {
	invalidFrame := []byte{
		MagicNumber, MagicByte2, MagicByte3,
		0xFF,
		CodecTypeJSON,
		byte(MsgTypeEnvelope),
		0, 0, 0, 1,
		0, 0, 0, 0,
	}

	_, _, err := Decode(bytes.NewReader(invalidFrame))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported version")
}

func TestDecodeRejectsOversizedBody(t *testing.T) {
	frame := []byte{MagicNumber, MagicByte2, MagicByte3, Version, CodecTypeBinary, byte(MsgTypeEnvelope), 0, 0, 0, 1, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(frame[10:14], MaxBodyLen+1)

	_, _, err := Decode(bytes.NewReader(frame))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestDecodeLargeBody(t *testing.T) {
	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{CodecType: CodecTypeBinary, MsgType: MsgTypeEnvelope, Seq: 999}, largeBody))

	_, decodedBody, err := Decode(&buf)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(decodedBody, largeBody))
}

func TestFramesDecodeInOrder(t *testing.T) {
	var buf bytes.Buffer
	for seq := uint32(1); seq <= 3; seq++ {
		require.NoError(t, Encode(&buf, &Header{MsgType: MsgTypeEnvelope, Seq: seq}, []byte{byte(seq)}))
	}
	for seq := uint32(1); seq <= 3; seq++ {
		h, body, err := Decode(&buf)
		require.NoError(t, err)
		assert.Equal(t, seq, h.Seq)
		assert.Equal(t, []byte{byte(seq)}, body)
	}
}
