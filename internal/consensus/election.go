package consensus

import (
	"context"
	"sync"

	"github.com/btmorr/leifraft/internal/identity"
	"github.com/btmorr/leifraft/internal/timer"
	"github.com/btmorr/leifraft/internal/wire"
)

// HandleVoteRequest implements the RequestVote RPC receiver logic (spec
// §4.5.1): grant the vote iff the candidate's term is at least current,
// this node hasn't already voted for someone else this term, and the
// candidate's log is at least as up to date as this node's.
func (r *Raft) HandleVoteRequest(req wire.VoteRequest) (wire.VoteResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.stepDownIfHigherTermLocked(req.Term); err != nil {
		return wire.VoteResponse{}, err
	}

	// A leader that sees a vote request at its own term treats it as
	// evidence of a stale challenger and bumps its own term to force
	// the challenger to recognize a newer state on its next contact,
	// mirroring the teacher's quirk of never granting a vote while
	// leading but still advancing term bookkeeping.
	if r.role == Leader && req.Term == r.currentTerm {
		if err := r.setTermLocked(r.currentTerm+1, nil); err != nil {
			return wire.VoteResponse{}, err
		}
	}

	if req.Term < r.currentTerm {
		return wire.VoteResponse{Term: r.currentTerm, Granted: false}, nil
	}

	if !r.allowVote {
		return wire.VoteResponse{Term: r.currentTerm, Granted: false}, nil
	}

	alreadyVoted := r.votedFor != nil && *r.votedFor != req.CandidateId
	if alreadyVoted {
		return wire.VoteResponse{Term: r.currentTerm, Granted: false}, nil
	}

	lastIdx, lastTerm := r.lastLogIndexTermLocked()
	candidateUpToDate := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIdx)
	if !candidateUpToDate {
		return wire.VoteResponse{Term: r.currentTerm, Granted: false}, nil
	}

	cand := req.CandidateId
	if err := r.setTermLocked(r.currentTerm, &cand); err != nil {
		return wire.VoteResponse{}, err
	}
	r.resetElectionTimerLocked()
	return wire.VoteResponse{Term: r.currentTerm, Granted: true, Voter: r.cfg.Self}, nil
}

// OnElectionTimeout starts a new election (spec §4.5.1): increment term,
// vote for self, persist, then fan out RequestVote to every other member
// concurrently and tally results against a new maxTermSeen in case a
// higher term surfaces mid-election.
func (r *Raft) OnElectionTimeout(ctx context.Context) {
	r.mu.Lock()
	if r.role == Leader {
		r.mu.Unlock()
		return
	}
	self := r.cfg.Self
	if err := r.setTermLocked(r.currentTerm+1, &self); err != nil {
		r.log.Error().Err(err).Msg("persisting term before election")
		r.mu.Unlock()
		return
	}
	term := r.currentTerm
	lastIdx, lastTerm := r.lastLogIndexTermLocked()
	peerIds := make([]identity.MemberId, 0, len(r.peers))
	for id := range r.peers {
		peerIds = append(peerIds, id)
	}
	needed := (len(r.peers)+1)/2 + 1
	r.resetElectionTimerLocked()
	r.mu.Unlock()

	req := wire.VoteRequest{
		Term:         term,
		ClusterId:    r.cfg.Cluster,
		CandidateId:  self,
		LastLogIndex: lastIdx,
		LastLogTerm:  lastTerm,
	}

	votes := 1 // self vote
	var maxTermSeen uint64 = term
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, peer := range peerIds {
		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := r.tr.SendVoteRequest(ctx, peer, req)
			if err != nil {
				r.log.Debug().Err(err).Str("peer", peer.String()).Msg("vote request failed")
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if resp.Term > maxTermSeen {
				maxTermSeen = resp.Term
			}
			if resp.Granted {
				votes++
			}
		}()
	}
	wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	if maxTermSeen > r.currentTerm {
		r.role = Follower
		if err := r.setTermLocked(maxTermSeen, nil); err != nil {
			r.log.Error().Err(err).Msg("persisting higher term observed during election")
		}
		return
	}
	if r.currentTerm != term || r.role == Leader {
		// a newer election or an append from a concurrent leader
		// already moved us on; this result is stale.
		return
	}
	if votes < needed {
		return
	}

	r.becomeLeaderLocked()
}

// becomeLeaderLocked transitions to Leader (spec §4.5.1): reset every
// peer's NextIndex to one past the end of our own log and MatchIndex to
// -1, then immediately schedule a heartbeat so followers converge fast.
func (r *Raft) becomeLeaderLocked() {
	r.role = Leader
	self := r.cfg.Self
	r.leaderHint = &self
	nextIdx := r.rlog.AppendIndex() + 1
	for _, ps := range r.peers {
		ps.NextIndex = nextIdx
		ps.MatchIndex = -1
		ps.Available = true
	}
	r.allowVote = true
	r.timers.Cancel(timer.Election)
	r.timers.Set(timer.Heartbeat, r.cfg.HeartbeatInterval, 0)
	r.log.Info().Uint64("term", r.currentTerm).Msg("became leader")
}
