package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/btmorr/leifraft/internal/identity"
)

func TestDecodeEnvelopePartialFrame(t *testing.T) {
	env, err := Wrap(AppendEntries{
		Term:      3,
		LeaderId:  identity.NewMemberId(),
		PrevIndex: 5,
		PrevTerm:  2,
		Entries: []LogEntry{
			{Term: 3, Content: []byte("hello")},
		},
		LeaderCommit: 4,
	})
	require.NoError(t, err)

	full := env.Encode()

	// A buffer holding less than the frame should report "not yet available"
	// rather than panicking or returning a zero-value envelope as real.
	_, _, ok := DecodeEnvelope(full[:len(full)-1])
	require.False(t, ok)

	decoded, n, ok := DecodeEnvelope(full)
	require.True(t, ok)
	require.Equal(t, len(full), n)
	require.Equal(t, TagAppendEntries, decoded.Tag)

	msg, err := Decode(decoded)
	require.NoError(t, err)
	ae, isAppend := msg.(*AppendEntries)
	require.True(t, isAppend)
	require.Equal(t, uint64(3), ae.Term)
	require.Equal(t, int64(5), ae.PrevIndex)
	require.Len(t, ae.Entries, 1)
	require.Equal(t, "hello", string(ae.Entries[0].Content))
}

func TestDecodeEnvelopeConcatenatedFrames(t *testing.T) {
	a, _ := Wrap(Heartbeat{Term: 1, LeaderCommit: 2, CommitIndexTerm: 1})
	b, _ := Wrap(PruneRequest{UpToIndex: 9})
	buf := append(a.Encode(), b.Encode()...)

	first, n1, ok := DecodeEnvelope(buf)
	require.True(t, ok)
	require.Equal(t, TagHeartbeat, first.Tag)

	second, n2, ok := DecodeEnvelope(buf[n1:])
	require.True(t, ok)
	require.Equal(t, TagPruneRequest, second.Tag)
	require.Equal(t, len(buf), n1+n2)
}

func TestDistributedOperationRejectsWrongTag(t *testing.T) {
	content := MemberChange{Add: []byte("0123456789012345")}.EncodeContent()
	_, err := DecodeDistributedOperation(content)
	require.Error(t, err)
}
