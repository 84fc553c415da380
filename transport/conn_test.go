package transport

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"apphost/codec"
	"apphost/packet"
	"apphost/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipePair wires two connections back to back, like a supervisor and its service.
func pipePair(t *testing.T, opts ...Option) (*Conn, *Conn) {
	t.Helper()
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	a := New(ar, aw, append(opts, WithClosers(aw, ar))...)
	b := New(br, bw, append(opts, WithClosers(bw, br))...)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func envelope(t *testing.T, dest, src string, n int) *packet.Envelope {
	t.Helper()
	p, err := packet.NewAppReady(n)
	require.NoError(t, err)
	return &packet.Envelope{Dest: dest, Src: src, Body: p}
}

func TestSendReceive(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		a, b := pipePair(t, WithCodec(ct))

		got := make(chan *packet.Envelope, 1)
		b.Start(func(env *packet.Envelope) { got <- env })
		a.Start(nil)

		require.NoError(t, a.Send(envelope(t, "svc", "core", 1)))

		select {
		case env := <-got:
			assert.Equal(t, "svc", env.Dest)
			assert.Equal(t, "core", env.Src)
			assert.Equal(t, packet.TypeAppReady, env.Body.Type)
			assert.JSONEq(t, "1", string(env.Body.Body))
		case <-time.After(time.Second):
			t.Fatalf("codec %d: envelope not delivered", ct)
		}
	}
}

// Envelopes sent concurrently must arrive whole; envelopes from one sender keep their order.
func TestConcurrentSendersKeepFramesIntact(t *testing.T) {
	a, b := pipePair(t)

	const senders, perSender = 8, 50
	var mu sync.Mutex
	seen := make(map[string][]int)
	var wg sync.WaitGroup
	wg.Add(senders * perSender)
	b.Start(func(env *packet.Envelope) {
		var n int
		assert.NoError(t, codec.GetCodec(codec.CodecTypeJSON).Decode(env.Body.Body, &n))
		mu.Lock()
		seen[env.Src] = append(seen[env.Src], n)
		mu.Unlock()
		wg.Done()
	})
	a.Start(nil)

	for s := 0; s < senders; s++ {
		src := string(rune('a' + s))
		go func() {
			for i := 0; i < perSender; i++ {
				if err := a.Send(envelope(t, "x", src, i)); err != nil {
					return
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("not all envelopes delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	for src, ns := range seen {
		require.Len(t, ns, perSender, src)
		for i, n := range ns {
			assert.Equal(t, i, n, src)
		}
	}
}

func TestUndecodableEnvelopeIsDropped(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, protocol.Encode(&buf, &protocol.Header{MsgType: protocol.MsgTypeEnvelope, Seq: 1}, []byte("{not json")))
	p, err := packet.NewAppReady("ok")
	require.NoError(t, err)
	body, err := codec.GetCodec(codec.CodecTypeJSON).Encode(&packet.Envelope{Dest: "d", Src: "s", Body: p})
	require.NoError(t, err)
	require.NoError(t, protocol.Encode(&buf, &protocol.Header{MsgType: protocol.MsgTypeEnvelope, Seq: 2}, body))

	c := New(&buf, io.Discard)
	var got []*packet.Envelope
	c.Start(func(env *packet.Envelope) { got = append(got, env) })
	<-c.Done()

	require.Len(t, got, 1)
	assert.Equal(t, "d", got[0].Dest)
	assert.NoError(t, c.Err())
}

func TestFramingErrorEndsReceiveLoop(t *testing.T) {
	c := New(bytes.NewReader([]byte("panic: stray output on stdout\n")), io.Discard)
	c.Start(nil)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("receive loop still running")
	}
	require.Error(t, c.Err())
	assert.Contains(t, c.Err().Error(), "invalid magic number")
}

func TestHeartbeatRefreshesLastSeen(t *testing.T) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	a := New(ar, aw, WithHeartbeat(10*time.Millisecond), WithClosers(aw, ar))
	b := New(br, bw, WithClosers(bw, br))
	defer a.Close()
	defer b.Close()

	delivered := make(chan struct{}, 1)
	b.Start(func(*packet.Envelope) { delivered <- struct{}{} })
	a.Start(nil)

	assert.Eventually(t, func() bool { return !b.LastSeen().IsZero() }, time.Second, 5*time.Millisecond)
	select {
	case <-delivered:
		t.Fatal("heartbeat surfaced as an envelope")
	default:
	}
}

func TestSendAfterClose(t *testing.T) {
	a, b := pipePair(t)
	b.Start(nil)
	a.Start(nil)

	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Send(envelope(t, "x", "y", 0)), ErrClosed)

	// Closing a's writer ends b's receive loop with a clean EOF.
	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("peer did not observe close")
	}
	assert.NoError(t, b.Err())
}
