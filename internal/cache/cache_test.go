package cache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/btmorr/leifraft/internal/wire"
)

func TestByteBudgetNeverExceeded(t *testing.T) {
	c := New(Config{Enabled: true, MaxBytes: 32})
	for i := int64(1); i <= 20; i++ {
		c.Put(i, wire.LogEntry{Term: 1, Content: []byte("payload")})
		require.LessOrEqual(t, c.Stats().Bytes, int64(32))
	}
	// the most recent entry must still be present; the oldest must be gone.
	_, ok := c.Get(20)
	require.True(t, ok)
	_, ok = c.Get(1)
	require.False(t, ok)
}

func TestDisableDrainsCache(t *testing.T) {
	c := New(Config{Enabled: true})
	c.Put(1, wire.LogEntry{Term: 1, Content: []byte("x")})
	_, ok := c.Get(1)
	require.True(t, ok)

	c.SetEnabled(false)
	_, ok = c.Get(1)
	require.False(t, ok)
	require.Equal(t, int64(0), c.Stats().Bytes)

	// Put while disabled is a no-op.
	c.Put(2, wire.LogEntry{Term: 1, Content: []byte("y")})
	_, ok = c.Get(2)
	require.False(t, ok)
}

func TestTruncateAndPruneMirrorLog(t *testing.T) {
	c := New(Config{Enabled: true})
	for i := int64(1); i <= 5; i++ {
		c.Put(i, wire.LogEntry{Term: 1, Content: []byte{byte(i)}})
	}
	c.Truncate(4)
	_, ok := c.Get(3)
	require.True(t, ok)
	_, ok = c.Get(4)
	require.False(t, ok)

	c.Prune(2)
	_, ok = c.Get(1)
	require.False(t, ok)
	_, ok = c.Get(3)
	require.True(t, ok)
}
