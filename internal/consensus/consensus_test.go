package consensus

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/btmorr/leifraft/internal/cache"
	"github.com/btmorr/leifraft/internal/identity"
	"github.com/btmorr/leifraft/internal/raftlog"
	"github.com/btmorr/leifraft/internal/store"
	"github.com/btmorr/leifraft/internal/timer"
	"github.com/btmorr/leifraft/internal/wire"
)

// fakeTransport wires a fixed set of in-process Raft instances together,
// calling straight into their RPC handlers instead of going over a
// network, so these tests exercise the election/replication state
// machine without C6.
type fakeTransport struct {
	nodes map[identity.MemberId]*Raft
}

func (f *fakeTransport) SendVoteRequest(_ context.Context, peer identity.MemberId, req wire.VoteRequest) (*wire.VoteResponse, error) {
	n, ok := f.nodes[peer]
	if !ok {
		return nil, ErrUnknownPeer
	}
	resp, err := n.HandleVoteRequest(req)
	return &resp, err
}

func (f *fakeTransport) SendAppendEntries(_ context.Context, peer identity.MemberId, req wire.AppendEntries) (*wire.AppendResponse, error) {
	n, ok := f.nodes[peer]
	if !ok {
		return nil, ErrUnknownPeer
	}
	resp, err := n.HandleAppendEntries(req)
	return &resp, err
}

func (f *fakeTransport) SendHeartbeat(_ context.Context, peer identity.MemberId, hb wire.Heartbeat) error {
	n, ok := f.nodes[peer]
	if !ok {
		return ErrUnknownPeer
	}
	return n.HandleHeartbeat(hb)
}

func newTestRaft(t *testing.T, dir string, self identity.MemberId, members []identity.MemberId, tr *fakeTransport) *Raft {
	t.Helper()
	s, err := store.Open(store.Config{Dir: dir, MaxSegmentBytes: 1 << 20}, zerolog.Nop())
	require.NoError(t, err)
	rlog := raftlog.New(s, cache.New(cache.Config{Enabled: true, MaxBytes: 1 << 20}))
	applyCh := make(chan CommitBatch, 16)

	cfg := Config{
		Self:              self,
		Members:           members,
		TermFilePath:      filepath.Join(dir, "term"),
		ElectionBase:      15 * time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
		AppendRetries:     3,
		RequestTimeout:    time.Second,
	}
	r, err := New(cfg, rlog, tr, timer.New(8), applyCh, zerolog.Nop())
	require.NoError(t, err)
	return r
}

func threeNodeCluster(t *testing.T) (map[identity.MemberId]*Raft, []identity.MemberId) {
	t.Helper()
	ids := []identity.MemberId{identity.NewMemberId(), identity.NewMemberId(), identity.NewMemberId()}
	tr := &fakeTransport{nodes: make(map[identity.MemberId]*Raft, 3)}
	for _, id := range ids {
		others := make([]identity.MemberId, 0, 2)
		for _, o := range ids {
			if o != id {
				others = append(others, o)
			}
		}
		dir := t.TempDir()
		tr.nodes[id] = newTestRaft(t, dir, id, others, tr)
	}
	return tr.nodes, ids
}

func TestElectionGrantsMajorityAndBecomesLeader(t *testing.T) {
	nodes, ids := threeNodeCluster(t)
	candidate := nodes[ids[0]]

	candidate.OnElectionTimeout(context.Background())

	require.True(t, candidate.IsLeader())
	require.Equal(t, uint64(1), candidate.Term())
}

func TestStaleTermVoteRequestIsRejected(t *testing.T) {
	nodes, ids := threeNodeCluster(t)
	leader := nodes[ids[0]]
	leader.OnElectionTimeout(context.Background())
	require.True(t, leader.IsLeader())

	// A candidacy at the old (lower) term should be rejected outright.
	resp, err := nodes[ids[1]].HandleVoteRequest(wire.VoteRequest{
		Term:        0,
		CandidateId: ids[2],
	})
	require.NoError(t, err)
	require.False(t, resp.Granted)
}

func TestAppendClientEntryCommitsAcrossMajority(t *testing.T) {
	nodes, ids := threeNodeCluster(t)
	leader := nodes[ids[0]]
	leader.OnElectionTimeout(context.Background())
	require.True(t, leader.IsLeader())

	idx, term, err := leader.AppendClientEntry(context.Background(), []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, int64(1), idx)
	require.Equal(t, uint64(1), term)
	require.Equal(t, int64(1), leader.CommitIndex())

	for _, id := range ids[1:] {
		ps, ok := leader.PeerSnapshot(id)
		require.True(t, ok)
		require.Equal(t, int64(1), ps.MatchIndex)
	}
}

func TestNonLeaderAppendReturnsNotLeaderHint(t *testing.T) {
	nodes, ids := threeNodeCluster(t)
	leader := nodes[ids[0]]
	leader.OnElectionTimeout(context.Background())
	leader.OnHeartbeatTick(context.Background())
	require.Eventually(t, func() bool { return nodes[ids[1]].LeaderHint() != nil }, time.Second, time.Millisecond)

	_, _, err := nodes[ids[1]].AppendClientEntry(context.Background(), []byte("x"))
	require.Error(t, err)
	var nle *NotLeaderError
	require.ErrorAs(t, err, &nle)
	require.Equal(t, ids[0], *nle.Leader)
}
