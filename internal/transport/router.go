package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/btmorr/leifraft/internal/identity"
	"github.com/btmorr/leifraft/internal/wire"
)

// Router fans the consensus package's peer-addressed sends out to the
// right ForeignLink, implementing consensus.Transport.
type Router struct {
	mu    sync.RWMutex
	links map[identity.MemberId]*ForeignLink
	log   zerolog.Logger
}

// NewRouter constructs an empty Router.
func NewRouter(log zerolog.Logger) *Router {
	return &Router{links: make(map[identity.MemberId]*ForeignLink), log: log}
}

// AddPeer registers (or replaces) the link used to reach peer.
func (r *Router) AddPeer(peer identity.MemberId, cfg LinkConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.links[peer]; ok {
		_ = existing.Close()
	}
	r.links[peer] = NewForeignLink(peer, cfg, r.log)
}

// RemovePeer tears down and forgets the link to peer.
func (r *Router) RemovePeer(peer identity.MemberId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.links[peer]; ok {
		_ = l.Close()
		delete(r.links, peer)
	}
}

func (r *Router) get(peer identity.MemberId) (*ForeignLink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[peer]
	if !ok {
		return nil, fmt.Errorf("transport: no link configured for peer %s", peer)
	}
	return l, nil
}

// Available reports whether peer's link believes it can reach the peer
// right now.
func (r *Router) Available(peer identity.MemberId) bool {
	l, err := r.get(peer)
	if err != nil {
		return false
	}
	return l.Available()
}

func (r *Router) SendVoteRequest(ctx context.Context, peer identity.MemberId, req wire.VoteRequest) (*wire.VoteResponse, error) {
	l, err := r.get(peer)
	if err != nil {
		return nil, err
	}
	return l.SendVoteRequest(ctx, req)
}

func (r *Router) SendAppendEntries(ctx context.Context, peer identity.MemberId, req wire.AppendEntries) (*wire.AppendResponse, error) {
	l, err := r.get(peer)
	if err != nil {
		return nil, err
	}
	return l.SendAppendEntries(ctx, req)
}

func (r *Router) SendHeartbeat(ctx context.Context, peer identity.MemberId, hb wire.Heartbeat) error {
	l, err := r.get(peer)
	if err != nil {
		return err
	}
	return l.SendHeartbeat(ctx, hb)
}
