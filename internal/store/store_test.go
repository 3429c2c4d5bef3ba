package store

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/btmorr/leifraft/internal/identity"
	"github.com/btmorr/leifraft/internal/wire"
)

func mustMemberId(t *testing.T) identity.MemberId {
	t.Helper()
	return identity.NewMemberId()
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir}, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestAppendThenTruncateAboveCommit(t *testing.T) {
	s := newTestStore(t)

	var last int64
	for i := 0; i < 5; i++ {
		idx, err := s.Append(wire.LogEntry{Term: 1, Content: []byte{byte(i)}})
		require.NoError(t, err)
		last = idx
	}
	require.Equal(t, int64(5), last)

	require.NoError(t, s.Truncate(4, 2))

	for i := int64(1); i <= 3; i++ {
		e, ok := s.ReadEntry(i)
		require.True(t, ok)
		require.Equal(t, byte(i-1), e.Content[0])
	}
	_, ok := s.ReadEntry(4)
	require.False(t, ok)
	require.Equal(t, int64(3), s.AppendIndex())
}

func TestTruncateRefusesAtOrBelowCommit(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		_, err := s.Append(wire.LogEntry{Term: 1, Content: []byte{byte(i)}})
		require.NoError(t, err)
	}
	err := s.Truncate(2, 2)
	require.ErrorIs(t, err, ErrTruncateBelowCommit)
}

func TestPruneRefusesToDropContainingSegment(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir, MaxSegmentBytes: 1}, zerolog.Nop())
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := s.Append(wire.LogEntry{Term: 1, Content: []byte{byte(i)}})
		require.NoError(t, err)
	}
	require.Greater(t, len(s.segments), 1, "small MaxSegmentBytes should force multiple segments")

	require.NoError(t, s.Prune(2))
	_, ok := s.ReadEntry(1)
	require.False(t, ok, "pruned entries should be gone")
	e, ok := s.ReadEntry(3)
	require.True(t, ok)
	require.Equal(t, byte(2), e.Content[0])
}

func TestPruneDefersWhileCursorOpen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir, MaxSegmentBytes: 1}, zerolog.Nop())
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := s.Append(wire.LogEntry{Term: 1, Content: []byte{byte(i)}})
		require.NoError(t, err)
	}

	cur := s.ReadFrom(1)
	defer cur.Close()

	err = s.Prune(4)
	require.ErrorIs(t, err, ErrPruneWouldDropCursor)
}

func TestTermRecordRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + string(os.PathSeparator) + "term"

	empty, err := ReadTerm(path)
	require.NoError(t, err)
	require.Equal(t, uint64(0), empty.Term)
	require.Nil(t, empty.VotedFor)

	id := mustMemberId(t)
	require.NoError(t, WriteTerm(path, TermRecord{Term: 7, VotedFor: &id}))

	got, err := ReadTerm(path)
	require.NoError(t, err)
	require.Equal(t, uint64(7), got.Term)
	require.NotNil(t, got.VotedFor)
	require.Equal(t, id, *got.VotedFor)
}
