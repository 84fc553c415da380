package packet

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchCallRequest(t *testing.T) {
	p, err := NewCallRequest(42, "echo", "hi", 3)
	require.NoError(t, err)
	assert.Equal(t, TypeRPCCall, p.Type)

	var got *Call
	ok := Dispatch(p, nil, func(c *Call) { got = c }, nil)
	require.True(t, ok)

	req, isReq := got.Request()
	require.True(t, isReq)
	_, isResp := got.Response()
	assert.False(t, isResp)

	assert.Equal(t, uint64(42), req.CallID)
	assert.Equal(t, "echo", req.Method)
	require.Len(t, req.Args, 2)
	assert.JSONEq(t, `"hi"`, string(req.Args[0]))
	assert.JSONEq(t, `3`, string(req.Args[1]))
}

func TestDispatchCallResponse(t *testing.T) {
	p, err := NewCallResponse(&CallResponse{CallID: 7, Err: &CallError{Message: "boom"}})
	require.NoError(t, err)

	var got *Call
	require.True(t, Dispatch(p, nil, func(c *Call) { got = c }, nil))

	resp, ok := got.Response()
	require.True(t, ok)
	assert.Equal(t, uint64(7), resp.CallID)
	require.NotNil(t, resp.Err)
	assert.Equal(t, "boom", resp.Err.Message)
	assert.Empty(t, resp.RetVal)
}

func TestRequestWithoutArgsIsStillARequest(t *testing.T) {
	p, err := NewCallRequest(1, "ping")
	require.NoError(t, err)

	var got *Call
	require.True(t, Dispatch(p, nil, func(c *Call) { got = c }, nil))
	_, ok := got.Request()
	assert.True(t, ok)
}

func TestDispatchChannelHandshake(t *testing.T) {
	open, err := NewChannelFrame(5, nil)
	require.NoError(t, err)
	data, err := NewChannelFrame(5, json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	closing, err := NewChannelClose(5)
	require.NoError(t, err)

	var frames []*ChannelFrame
	onChannel := func(f *ChannelFrame) { frames = append(frames, f) }
	for _, p := range []Packet{open, data, closing} {
		require.True(t, Dispatch(p, nil, nil, onChannel))
	}

	require.Len(t, frames, 3)
	assert.True(t, frames[0].IsHandshake())
	assert.False(t, frames[1].IsHandshake())
	assert.False(t, frames[2].IsHandshake())
	assert.True(t, frames[2].Close)
}

func TestDispatchIgnoresUnknownType(t *testing.T) {
	called := false
	mark := func() { called = true }
	ok := Dispatch(Packet{Type: Type(9), Body: json.RawMessage(`{}`)},
		func(json.RawMessage) { mark() },
		func(*Call) { mark() },
		func(*ChannelFrame) { mark() })

	assert.False(t, ok)
	assert.False(t, called)
}

func TestDispatchDropsMalformedBody(t *testing.T) {
	ok := Dispatch(Packet{Type: TypeChannel, Body: json.RawMessage(`[1,2`)}, nil, nil,
		func(*ChannelFrame) { t.Fatal("malformed frame must not be delivered") })
	assert.False(t, ok)
}

func TestDispatchAppReady(t *testing.T) {
	p, err := NewAppReady(map[string]int{"pid": 12})
	require.NoError(t, err)

	var body json.RawMessage
	require.True(t, Dispatch(p, func(b json.RawMessage) { body = b }, nil, nil))
	assert.JSONEq(t, `{"pid":12}`, string(body))
}
