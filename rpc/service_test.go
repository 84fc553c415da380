package rpc

import (
	"context"
	"testing"

	"apphost/packet"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Args struct {
	A, B int
}

type Arith struct{ calls int }

func (a *Arith) Add(ctx context.Context, args Args) (int, error) {
	a.calls++
	return args.A + args.B, nil
}

func (a *Arith) Mul(ctx context.Context, x, y int) (int, error) { return x * y, nil }

func (a *Arith) Reset(ctx context.Context) error {
	a.calls = 0
	return nil
}

// Not exported over rpc: no context parameter.
func (a *Arith) Calls() int { return a.calls }

func TestNewMethodTable(t *testing.T) {
	arith := &Arith{}
	table, err := NewMethodTable(arith)
	require.NoError(t, err)

	assert.Len(t, table, 3)
	assert.Contains(t, table, "add")
	assert.Contains(t, table, "mul")
	assert.Contains(t, table, "reset")
	assert.NotContains(t, table, "calls")

	srv := NewServer()
	srv.RegisterService(table)
	c := loopback(t, srv)
	ctx := context.Background()

	var sum int
	require.NoError(t, c.CallInto(ctx, "add", &sum, Args{A: 1, B: 2}))
	assert.Equal(t, 3, sum)
	assert.Equal(t, 1, arith.Calls())

	var product int
	require.NoError(t, c.CallInto(ctx, "mul", &product, 6, 7))
	assert.Equal(t, 42, product)

	raw, err := c.Call(ctx, "reset")
	require.NoError(t, err)
	assert.Empty(t, raw)
	assert.Zero(t, arith.Calls())

	_, err = c.Call(ctx, "mul", "six", 7)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, packet.CodeBadArgs, remote.Code)
}

func TestNewMethodTableRejectsBadReceivers(t *testing.T) {
	_, err := NewMethodTable(Arith{})
	assert.Error(t, err)

	_, err = NewMethodTable(&struct{}{})
	assert.Error(t, err)
}
