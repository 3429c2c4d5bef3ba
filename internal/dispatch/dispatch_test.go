package dispatch

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/btmorr/leifraft/internal/identity"
	"github.com/btmorr/leifraft/internal/wire"
)

type fakeHandler struct {
	got Stamped
	hit bool
}

func (f *fakeHandler) Handle(_ context.Context, s Stamped) (wire.Message, error) {
	f.got = s
	f.hit = true
	return &wire.VoteResponse{Term: 1, Granted: true}, nil
}

func voteRequestEnvelope(t *testing.T, cluster identity.ClusterId, candidate identity.MemberId) wire.Envelope {
	t.Helper()
	env, err := wire.Wrap(&wire.VoteRequest{Term: 1, ClusterId: cluster, CandidateId: candidate})
	require.NoError(t, err)
	return env
}

func TestReceiveDropsTrafficBeforeBind(t *testing.T) {
	h := &fakeHandler{}
	g := NewGate(h, zerolog.Nop())

	cluster := identity.NewClusterId()
	candidate := identity.NewMemberId()
	_, err := g.Receive(context.Background(), candidate, cluster, voteRequestEnvelope(t, cluster, candidate))

	require.ErrorIs(t, err, ErrPreBinding)
	require.False(t, h.hit)
}

func TestReceiveDropsForeignCluster(t *testing.T) {
	h := &fakeHandler{}
	g := NewGate(h, zerolog.Nop())
	g.Bind(identity.NewClusterId())

	foreign := identity.NewClusterId()
	candidate := identity.NewMemberId()
	_, err := g.Receive(context.Background(), candidate, foreign, voteRequestEnvelope(t, foreign, candidate))

	require.ErrorIs(t, err, ErrForeignCluster)
	require.False(t, h.hit)
}

func TestReceiveForwardsMatchingClusterToHandler(t *testing.T) {
	h := &fakeHandler{}
	g := NewGate(h, zerolog.Nop())
	cluster := identity.NewClusterId()
	g.Bind(cluster)

	candidate := identity.NewMemberId()
	reply, err := g.Receive(context.Background(), candidate, cluster, voteRequestEnvelope(t, cluster, candidate))

	require.NoError(t, err)
	require.True(t, h.hit)
	require.Equal(t, candidate, h.got.SenderMemberId)
	require.Equal(t, cluster, h.got.SenderClusterId)
	resp, ok := reply.(*wire.VoteResponse)
	require.True(t, ok)
	require.True(t, resp.Granted)
}

func TestReceiveAllowsNilClusterFromUnboundSender(t *testing.T) {
	h := &fakeHandler{}
	g := NewGate(h, zerolog.Nop())
	g.Bind(identity.NewClusterId())

	candidate := identity.NewMemberId()
	env := voteRequestEnvelope(t, identity.NilClusterId, candidate)
	_, err := g.Receive(context.Background(), candidate, identity.NilClusterId, env)

	require.NoError(t, err)
	require.True(t, h.hit)
}
