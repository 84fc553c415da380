package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistry(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	require.NoError(t, reg.Register(ctx, Record{Name: "b", Pid: 2}))
	require.NoError(t, reg.Register(ctx, Record{Name: "a", Pid: 1}))

	rec, err := reg.Lookup(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Pid)

	all, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Name)

	// Re-registering a name replaces its record (a restarted service).
	require.NoError(t, reg.Register(ctx, Record{Name: "a", Pid: 3}))
	rec, err = reg.Lookup(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Pid)

	require.NoError(t, reg.Deregister(ctx, "a"))
	_, err = reg.Lookup(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, reg.Deregister(ctx, "missing"))
}
