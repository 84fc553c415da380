package exchange

import (
	"testing"

	"apphost/metrics"
	"apphost/packet"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ready(t *testing.T) packet.Packet {
	t.Helper()
	p, err := packet.NewAppReady(true)
	require.NoError(t, err)
	return p
}

func TestSendToDelivers(t *testing.T) {
	ex := New()
	var got *packet.Envelope
	require.NoError(t, ex.OnRecv("svc", func(env *packet.Envelope) { got = env }))

	assert.True(t, ex.SendTo("svc", "core", ready(t)))
	require.NotNil(t, got)
	assert.Equal(t, "svc", got.Dest)
	assert.Equal(t, "core", got.Src)
	assert.Equal(t, packet.TypeAppReady, got.Body.Type)
}

func TestSendToUnknownIsDropped(t *testing.T) {
	m := metrics.New()
	ex := New(WithMetrics(m))

	assert.NotPanics(t, func() {
		assert.False(t, ex.SendTo("nobody", "core", ready(t)))
	})
	assert.False(t, ex.SendTo("", "core", ready(t)))
	assert.False(t, ex.SendTo("svc", "", ready(t)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ExchangeSends.WithLabelValues("dropped")))
}

func TestOnRecvRejectsSecondHandler(t *testing.T) {
	ex := New()
	first := 0
	require.NoError(t, ex.OnRecv("svc", func(*packet.Envelope) { first++ }))
	assert.ErrorIs(t, ex.OnRecv("svc", func(*packet.Envelope) {}), ErrRouteExists)

	ex.SendTo("svc", "core", ready(t))
	assert.Equal(t, 1, first)
}

func TestOnRecvIgnoresEmptyRegistration(t *testing.T) {
	ex := New()
	assert.NoError(t, ex.OnRecv("", func(*packet.Envelope) {}))
	assert.NoError(t, ex.OnRecv("svc", nil))
	assert.Empty(t, ex.Names())
}

func TestDisconnect(t *testing.T) {
	ex := New()
	calls := 0
	require.NoError(t, ex.OnRecv("svc", func(*packet.Envelope) { calls++ }))

	ex.Disconnect("svc")
	assert.False(t, ex.Has("svc"))
	assert.False(t, ex.SendTo("svc", "core", ready(t)))
	assert.Zero(t, calls)

	// The name is free again after a disconnect.
	require.NoError(t, ex.OnRecv("svc", func(*packet.Envelope) { calls++ }))
	assert.True(t, ex.SendTo("svc", "core", ready(t)))
	assert.Equal(t, 1, calls)
}

// A handler may route onward without deadlocking on the table lock.
func TestHandlerCanSendAndRegister(t *testing.T) {
	ex := New()
	var echoed *packet.Envelope
	require.NoError(t, ex.OnRecv("b", func(env *packet.Envelope) { echoed = env }))
	require.NoError(t, ex.OnRecv("a", func(env *packet.Envelope) {
		ex.SendTo(env.Src, env.Dest, env.Body)
		assert.NoError(t, ex.OnRecv("c", func(*packet.Envelope) {}))
	}))

	assert.True(t, ex.SendTo("a", "b", ready(t)))
	require.NotNil(t, echoed)
	assert.Equal(t, "a", echoed.Src)
	assert.Equal(t, []string{"a", "b", "c"}, ex.Names())
}
