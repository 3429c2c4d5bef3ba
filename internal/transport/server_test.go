package transport

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/btmorr/leifraft/internal/identity"
	"github.com/btmorr/leifraft/internal/wire"
)

type fakeReceiver struct {
	reply wire.Message
	err   error

	gotSender  identity.MemberId
	gotCluster identity.ClusterId
}

func (f *fakeReceiver) Receive(_ context.Context, senderMemberId identity.MemberId, senderClusterId identity.ClusterId, _ wire.Envelope) (wire.Message, error) {
	f.gotSender = senderMemberId
	f.gotCluster = senderClusterId
	return f.reply, f.err
}

func TestServerHandshakeRespondsWithSwitchover(t *testing.T) {
	self := identity.NewMemberId()
	s := NewServer(self, 3, &fakeReceiver{}, zerolog.Nop())

	hello, err := wire.Wrap(wire.Hello{SenderMemberId: identity.NewMemberId(), SupportedAppVersions: []uint32{3}})
	require.NoError(t, err)

	out, err := s.Handshake(context.Background(), &hello)
	require.NoError(t, err)

	msg, err := wire.Decode(*out)
	require.NoError(t, err)
	sw, ok := msg.(*wire.Switchover)
	require.True(t, ok)
	require.Equal(t, self, sw.ResponderMemberId)
	require.Equal(t, uint32(3), sw.ChosenAppVersion)
}

func TestServerRequestVoteStampsSenderAndForwards(t *testing.T) {
	candidate := identity.NewMemberId()
	cluster := identity.NewClusterId()
	recv := &fakeReceiver{reply: &wire.VoteResponse{Term: 2, Granted: true}}
	s := NewServer(identity.NewMemberId(), 1, recv, zerolog.Nop())

	env, err := wire.Wrap(&wire.VoteRequest{Term: 2, ClusterId: cluster, CandidateId: candidate})
	require.NoError(t, err)

	out, err := s.RequestVote(context.Background(), &env)
	require.NoError(t, err)
	require.Equal(t, candidate, recv.gotSender)
	require.Equal(t, cluster, recv.gotCluster)

	msg, err := wire.Decode(*out)
	require.NoError(t, err)
	resp, ok := msg.(*wire.VoteResponse)
	require.True(t, ok)
	require.True(t, resp.Granted)
}

func TestServerHeartbeatWithNilReplyReturnsEmptyEnvelope(t *testing.T) {
	leader := identity.NewMemberId()
	cluster := identity.NewClusterId()
	recv := &fakeReceiver{reply: nil}
	s := NewServer(identity.NewMemberId(), 1, recv, zerolog.Nop())

	env, err := wire.Wrap(&wire.Heartbeat{Term: 1, ClusterId: cluster, LeaderId: leader})
	require.NoError(t, err)

	out, err := s.Heartbeat(context.Background(), &env)
	require.NoError(t, err)
	require.Equal(t, wire.Envelope{}, *out)
}

func TestServerRequestVoteRejectsMismatchedMessageType(t *testing.T) {
	s := NewServer(identity.NewMemberId(), 1, &fakeReceiver{}, zerolog.Nop())

	env, err := wire.Wrap(&wire.Heartbeat{Term: 1})
	require.NoError(t, err)

	_, err = s.RequestVote(context.Background(), &env)
	require.Error(t, err)
}
