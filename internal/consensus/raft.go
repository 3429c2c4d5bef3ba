// Package consensus implements C5, the Raft state machine: role
// transitions, vote handling, append/commit logic. It owns currentTerm,
// votedFor, and commitIndex, and never panics out of a message handler
// (spec §5, §7). Durable writes happen on the calling goroutine (spec
// §4.5.5: persist before ack). Outbound sends run on their own
// goroutines and report back through the same locked state;
// OnElectionTimeout and AppendClientEntry wait for those replies before
// returning, so their caller blocks on network I/O, while
// OnHeartbeatTick returns without waiting.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/btmorr/leifraft/internal/identity"
	"github.com/btmorr/leifraft/internal/raftlog"
	"github.com/btmorr/leifraft/internal/store"
	"github.com/btmorr/leifraft/internal/timer"
	"github.com/btmorr/leifraft/internal/wire"
)

// Role is one of the three Raft roles (spec §4.5). Candidate is, per
// spec.md, a virtual role: the node's externally visible State stays
// Follower while an election is in flight, and only flips to Leader on
// success — matching the teacher's State field exactly.
type Role string

const (
	Follower Role = "Follower"
	Leader   Role = "Leader"
)

var (
	ErrNotLeader       = errors.New("consensus: not leader")
	ErrExpiredTerm     = errors.New("consensus: stale term, not sending")
	ErrAppendFailed    = errors.New("consensus: failed to append to a majority of members")
	ErrCommitFailed    = errors.New("consensus: commit index did not advance past appended entry")
	ErrUnknownPeer     = errors.New("consensus: unknown peer")
)

// PeerState is the leader's per-follower replication progress (spec
// §4.5.1).
type PeerState struct {
	NextIndex  int64
	MatchIndex int64
	Available  bool
}

// Transport is the narrow send surface C5 needs from C6; consensus never
// imports the transport package directly, avoiding the cyclic dependency
// the teacher's Node/ForeignNode coupling had (spec §9).
type Transport interface {
	SendVoteRequest(ctx context.Context, peer identity.MemberId, req wire.VoteRequest) (*wire.VoteResponse, error)
	SendAppendEntries(ctx context.Context, peer identity.MemberId, req wire.AppendEntries) (*wire.AppendResponse, error)
	SendHeartbeat(ctx context.Context, peer identity.MemberId, hb wire.Heartbeat) error
}

// CommitBatch is the immutable notification C5 emits to C11 on commit
// advancement (spec §9: pass handles/ids, not pointers, across the
// log/applier boundary).
type CommitBatch struct {
	Entries    []wire.LogEntry
	FromIndex  int64
	LeaderTerm uint64
}

// Config configures one Raft instance.
type Config struct {
	Self               identity.MemberId
	Cluster            identity.ClusterId
	Members            []identity.MemberId // other voting members, not including Self
	TermFilePath       string
	ElectionBase       time.Duration
	HeartbeatInterval  time.Duration
	AppendRetries      int
	RequestTimeout     time.Duration
}

// Raft is C5.
type Raft struct {
	cfg  Config
	log  zerolog.Logger
	mu   sync.Mutex
	rlog *raftlog.Log
	tr   Transport

	role        Role
	currentTerm uint64
	votedFor    *identity.MemberId
	commitIndex int64
	leaderHint  *identity.MemberId
	allowVote   bool // checked before granting a vote; this package only ever sets it true

	peers map[identity.MemberId]*PeerState

	applyCh chan<- CommitBatch
	timers  *timer.Service
}

// New constructs a Raft instance from its durable log and persisted term
// record, starting as Follower (spec §4.5).
func New(cfg Config, rlog *raftlog.Log, tr Transport, timers *timer.Service, applyCh chan<- CommitBatch, log zerolog.Logger) (*Raft, error) {
	rec, err := store.ReadTerm(cfg.TermFilePath)
	if err != nil {
		return nil, fmt.Errorf("consensus: loading term record: %w", err)
	}

	peers := make(map[identity.MemberId]*PeerState, len(cfg.Members))
	for _, m := range cfg.Members {
		peers[m] = &PeerState{MatchIndex: -1, Available: true}
	}

	r := &Raft{
		cfg:         cfg,
		log:         log.With().Str("component", "consensus").Logger(),
		rlog:        rlog,
		tr:          tr,
		role:        Follower,
		currentTerm: rec.Term,
		votedFor:    rec.VotedFor,
		commitIndex: 0,
		peers:       peers,
		applyCh:     applyCh,
		timers:      timers,
		allowVote:   true,
	}
	r.resetElectionTimerLocked()
	return r, nil
}

func (r *Raft) resetElectionTimerLocked() {
	r.timers.Reset(timer.Election, r.cfg.ElectionBase, r.cfg.ElectionBase)
}

func (r *Raft) persistTermLocked() error {
	return store.WriteTerm(r.cfg.TermFilePath, store.TermRecord{Term: r.currentTerm, VotedFor: r.votedFor})
}

// setTermLocked persists and applies a new (term, votedFor) pair. Must be
// called with the durable write happening before any reply referencing it
// is produced (spec §4.5.5) — callers must not release the lock and
// respond before this returns nil.
func (r *Raft) setTermLocked(term uint64, votedFor *identity.MemberId) error {
	r.currentTerm = term
	r.votedFor = votedFor
	return r.persistTermLocked()
}

// IsLeader reports whether this node currently believes itself leader.
func (r *Raft) IsLeader() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role == Leader
}

// Term returns the current term.
func (r *Raft) Term() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentTerm
}

// LeaderHint returns the best-known current leader, for NotLeader replies.
func (r *Raft) LeaderHint() *identity.MemberId {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaderHint
}

func (r *Raft) lastLogIndexTermLocked() (int64, uint64) {
	idx := r.rlog.AppendIndex()
	if idx <= 0 {
		return idx, 0
	}
	return idx, r.rlog.ReadEntryTerm(idx)
}

// AddMember registers a new voting peer, called by the applier once a
// MemberSet entry naming an addition has committed (spec §4.5 expansion:
// single-member reconfiguration takes effect when the entry is applied,
// not when it's merely appended).
func (r *Raft) AddMember(id identity.MemberId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; ok {
		return
	}
	nextIdx := r.rlog.AppendIndex() + 1
	r.peers[id] = &PeerState{NextIndex: nextIdx, MatchIndex: -1, Available: true}
}

// RemoveMember drops a voting peer, called by the applier once a
// MemberSet entry naming a removal has committed.
func (r *Raft) RemoveMember(id identity.MemberId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

// Members returns the current voting peer set, excluding self.
func (r *Raft) Members() []identity.MemberId {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]identity.MemberId, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	return out
}

// stepDownIfHigherTermLocked implements spec §4.5: on any message with
// term > currentTerm, persist the higher term, clear the vote, and
// become Follower before processing further.
func (r *Raft) stepDownIfHigherTermLocked(msgTerm uint64) error {
	if msgTerm > r.currentTerm {
		r.role = Follower
		if err := r.setTermLocked(msgTerm, nil); err != nil {
			return err
		}
	}
	return nil
}
