package client

import (
	"context"
	"testing"
	"time"

	"apphost/channel"
	"apphost/exchange"
	"apphost/packet"
	"apphost/rpc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveInProcess registers an endpoint that behaves like a service process: an RPC
// server and a channel server answering through the exchange.
func serveInProcess(t *testing.T, ex *exchange.Exchange, name string, table rpc.MethodTable) *channel.Server {
	t.Helper()
	srv := rpc.NewServer()
	srv.RegisterService(table)
	chans := channel.NewServer(func(p packet.Packet, route *channel.Route) error {
		if route == nil {
			return nil
		}
		ex.SendTo(route.Dest, route.Src, p)
		return nil
	})
	require.NoError(t, ex.OnRecv(name, func(env *packet.Envelope) {
		route := &channel.Route{Dest: env.Src, Src: env.Dest}
		packet.Dispatch(env.Body, nil, func(call *packet.Call) {
			req, ok := call.Request()
			if !ok {
				return
			}
			go func() {
				reply, err := packet.NewCallResponse(srv.DispatchCall(context.Background(), req))
				if assert.NoError(t, err) {
					ex.SendTo(route.Dest, route.Src, reply)
				}
			}()
		}, func(f *packet.ChannelFrame) {
			assert.NoError(t, chans.DispatchChannelData(f, route))
		})
	}))
	return chans
}

func TestCallThroughExchange(t *testing.T) {
	ex := exchange.New()
	serveInProcess(t, ex, "svc", rpc.MethodTable{
		"echo": rpc.Func1(func(ctx context.Context, s string) (string, error) { return s, nil }),
	})

	s, err := Dial(ex, "svc", "consumer-1", 7)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var got string
	require.NoError(t, s.CallInto(ctx, "echo", &got, "hi"))
	assert.Equal(t, "hi", got)

	_, err = s.Call(ctx, "missing")
	assert.ErrorIs(t, err, rpc.ErrNoSuchMethod)
}

func TestChannelsThroughExchange(t *testing.T) {
	ex := exchange.New()
	chans := serveInProcess(t, ex, "svc", rpc.MethodTable{})

	s, err := Dial(ex, "svc", "consumer-1", 7)
	require.NoError(t, err)
	defer s.Close()

	a, err := s.CreateChannel()
	require.NoError(t, err)
	b, err := s.CreateChannel()
	require.NoError(t, err)
	assert.Equal(t, channel.ID(7<<16|0), a.ID())
	assert.Equal(t, channel.ID(7<<16|1), b.ID())
	for _, ch := range []*channel.Channel{a, b} {
		select {
		case <-ch.Ready():
		case <-time.After(time.Second):
			t.Fatalf("channel %s not acknowledged", ch.ID())
		}
	}

	peer := chans.GetChannel(a.ID())
	require.NotNil(t, peer)
	sub := a.Subscribe()
	require.NoError(t, peer.Send("from service"))
	select {
	case data := <-sub.C():
		assert.JSONEq(t, `"from service"`, string(data))
	case <-time.After(time.Second):
		t.Fatal("no data from service")
	}
}

func TestUnreachableService(t *testing.T) {
	ex := exchange.New()
	s, err := Dial(ex, "ghost", "consumer-1", 1)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Call(context.Background(), "echo", "x")
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestDuplicateEndpoint(t *testing.T) {
	ex := exchange.New()
	s, err := Dial(ex, "svc", "consumer-1", 1)
	require.NoError(t, err)
	defer s.Close()

	_, err = Dial(ex, "svc", "consumer-1", 2)
	assert.ErrorIs(t, err, exchange.ErrRouteExists)
}

func TestDoneFailsPendingCalls(t *testing.T) {
	ex := exchange.New()
	// A service that swallows every request.
	require.NoError(t, ex.OnRecv("svc", func(*packet.Envelope) {}))

	done := make(chan struct{})
	s, err := Dial(ex, "svc", "consumer-1", 1, WithDone(done))
	require.NoError(t, err)
	defer s.Close()

	ch, err := s.CreateChannel()
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "never")
		result <- err
	}()
	require.Eventually(t, func() bool { return s.rpc.Pending() == 1 }, time.Second, time.Millisecond)

	close(done)
	select {
	case err := <-result:
		assert.ErrorIs(t, err, rpc.ErrServiceTerminated)
	case <-time.After(time.Second):
		t.Fatal("pending call not failed")
	}
	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestCloseReleasesEndpoint(t *testing.T) {
	ex := exchange.New()
	s, err := Dial(ex, "svc", "consumer-1", 1)
	require.NoError(t, err)

	s.Close()
	assert.False(t, ex.Has("consumer-1"))
	_, err = s.Call(context.Background(), "x")
	assert.ErrorIs(t, err, rpc.ErrClientClosed)
	s.Close()
}
