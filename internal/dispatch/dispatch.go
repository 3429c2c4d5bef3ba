// Package dispatch implements C7: the inbound message gate between C6
// and the rest of the node. Every inbound envelope is stamped with a
// receive time and the sender's claimed cluster id, checked against this
// node's bound cluster, and either forwarded or dropped.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/btmorr/leifraft/internal/identity"
	"github.com/btmorr/leifraft/internal/wire"
)

// Stamped wraps a decoded message with the metadata C7 attaches on
// arrival (spec §5).
type Stamped struct {
	ReceivedAt      time.Time
	SenderClusterId identity.ClusterId
	SenderMemberId  identity.MemberId
	Message         wire.Message
}

// Handler is implemented by the consensus loop: it consumes one stamped
// message and produces the reply envelope (or nil for fire-and-forget
// messages like Heartbeat).
type Handler interface {
	Handle(ctx context.Context, s Stamped) (wire.Message, error)
}

// Gate is C7. It has not yet learned its own ClusterId until the node
// finishes binding (spec's "pre-binding traffic is dropped silently"
// rule); Bind must be called exactly once after that happens.
type Gate struct {
	log     zerolog.Logger
	handler Handler

	bound     bool
	clusterId identity.ClusterId
}

// NewGate constructs an unbound Gate; messages arriving before Bind are
// dropped without logging (spec: "dropped silently").
func NewGate(handler Handler, log zerolog.Logger) *Gate {
	return &Gate{handler: handler, log: log.With().Str("component", "dispatch").Logger()}
}

// Bind records this node's cluster id, after which traffic claiming a
// different cluster id is dropped (logged, not erred).
func (g *Gate) Bind(clusterId identity.ClusterId) {
	g.bound = true
	g.clusterId = clusterId
}

// Bound reports whether Bind has been called.
func (g *Gate) Bound() bool { return g.bound }

// ErrPreBinding is returned (not logged as an error — callers should
// treat this as an expected, silent drop) when traffic arrives before
// Bind.
var ErrPreBinding = fmt.Errorf("dispatch: node not yet bound to a cluster")

// ErrForeignCluster is returned when a message claims a cluster id other
// than this node's own.
var ErrForeignCluster = fmt.Errorf("dispatch: message from a foreign cluster")

// Receive decodes, stamps, and filters one inbound envelope, handing
// anything that survives to the Handler. senderMemberId/senderClusterId
// come from the message itself (VoteRequest.CandidateId,
// AppendEntries.LeaderId, Heartbeat.LeaderId). Handshake envelopes never
// reach the Gate; the transport server answers them itself.
func (g *Gate) Receive(ctx context.Context, senderMemberId identity.MemberId, senderClusterId identity.ClusterId, env wire.Envelope) (wire.Message, error) {
	if !g.bound {
		return nil, ErrPreBinding
	}
	if senderClusterId != identity.NilClusterId && senderClusterId != g.clusterId {
		g.log.Warn().
			Str("sender", senderMemberId.String()).
			Str("sender_cluster", senderClusterId.String()).
			Msg("dropping message from foreign cluster")
		return nil, ErrForeignCluster
	}

	msg, err := wire.Decode(env)
	if err != nil {
		return nil, fmt.Errorf("dispatch: decoding envelope: %w", err)
	}

	s := Stamped{
		ReceivedAt:      time.Now(),
		SenderClusterId: senderClusterId,
		SenderMemberId:  senderMemberId,
		Message:         msg,
	}
	return g.handler.Handle(ctx, s)
}
