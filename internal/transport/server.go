package transport

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/btmorr/leifraft/internal/identity"
	"github.com/btmorr/leifraft/internal/wire"
)

// Receiver is the narrow surface Server needs from C7; implemented by
// dispatch.Gate.
type Receiver interface {
	Receive(ctx context.Context, senderMemberId identity.MemberId, senderClusterId identity.ClusterId, env wire.Envelope) (wire.Message, error)
}

// Server implements RaftTransportServer, the inbound side of C6. It
// extracts the sender identity embedded in each message (spec §7: C7
// stamps sender info on arrival) and hands the envelope to C7.
type Server struct {
	Self    identity.MemberId
	Cluster identity.ClusterId
	Version uint32
	Recv    Receiver
	log     zerolog.Logger
}

// NewServer constructs a Server bound to this node's own identity and a
// not-yet-bound dispatch Gate/Receiver.
func NewServer(self identity.MemberId, version uint32, recv Receiver, log zerolog.Logger) *Server {
	return &Server{Self: self, Version: version, Recv: recv, log: log.With().Str("component", "transport-server").Logger()}
}

func (s *Server) Handshake(ctx context.Context, in *wire.Envelope) (*wire.Envelope, error) {
	msg, err := wire.Decode(*in)
	if err != nil {
		return nil, err
	}
	hello, ok := msg.(*wire.Hello)
	if !ok {
		return nil, fmt.Errorf("transport: expected Hello, got %T", msg)
	}
	s.log.Debug().Str("peer", hello.SenderMemberId.String()).Msg("handshake")
	out, err := wire.Wrap(wire.Switchover{
		ResponderMemberId: s.Self,
		ChosenAppVersion:  s.Version,
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Server) RequestVote(ctx context.Context, in *wire.Envelope) (*wire.Envelope, error) {
	msg, err := wire.Decode(*in)
	if err != nil {
		return nil, err
	}
	req, ok := msg.(*wire.VoteRequest)
	if !ok {
		return nil, fmt.Errorf("transport: expected VoteRequest, got %T", msg)
	}
	reply, err := s.Recv.Receive(ctx, req.CandidateId, req.ClusterId, *in)
	if err != nil {
		return nil, err
	}
	out, err := wire.Wrap(reply)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Server) AppendEntries(ctx context.Context, in *wire.Envelope) (*wire.Envelope, error) {
	msg, err := wire.Decode(*in)
	if err != nil {
		return nil, err
	}
	req, ok := msg.(*wire.AppendEntries)
	if !ok {
		return nil, fmt.Errorf("transport: expected AppendEntries, got %T", msg)
	}
	reply, err := s.Recv.Receive(ctx, req.LeaderId, req.ClusterId, *in)
	if err != nil {
		return nil, err
	}
	out, err := wire.Wrap(reply)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Server) Heartbeat(ctx context.Context, in *wire.Envelope) (*wire.Envelope, error) {
	msg, err := wire.Decode(*in)
	if err != nil {
		return nil, err
	}
	req, ok := msg.(*wire.Heartbeat)
	if !ok {
		return nil, fmt.Errorf("transport: expected Heartbeat, got %T", msg)
	}
	reply, err := s.Recv.Receive(ctx, req.LeaderId, req.ClusterId, *in)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		empty := wire.Envelope{}
		return &empty, nil
	}
	out, err := wire.Wrap(reply)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

var _ RaftTransportServer = (*Server)(nil)
