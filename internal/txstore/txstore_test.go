package txstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplySetsAndReturnsPreviousValue(t *testing.T) {
	s := New()

	prev, err := s.Apply(context.Background(), []byte("key=one"))
	require.NoError(t, err)
	require.Nil(t, prev)

	v, ok := s.Get("key")
	require.True(t, ok)
	require.Equal(t, []byte("one"), v)

	prev, err = s.Apply(context.Background(), []byte("key=two"))
	require.NoError(t, err)
	require.Equal(t, []byte("one"), prev)

	v, ok = s.Get("key")
	require.True(t, ok)
	require.Equal(t, []byte("two"), v)
}

func TestApplyRejectsMalformedContent(t *testing.T) {
	s := New()
	_, err := s.Apply(context.Background(), []byte("no-equals-sign"))
	require.Error(t, err)
}

func TestGetMissingKeyReportsNotFound(t *testing.T) {
	s := New()
	_, ok := s.Get("missing")
	require.False(t, ok)
}
