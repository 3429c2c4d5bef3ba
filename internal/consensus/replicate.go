package consensus

import (
	"context"
	"sort"

	"github.com/btmorr/leifraft/internal/identity"
	"github.com/btmorr/leifraft/internal/timer"
	"github.com/btmorr/leifraft/internal/wire"
)

// HandleAppendEntries implements the AppendEntries RPC receiver (spec
// §4.5.2): reject stale terms, otherwise recognize the sender as leader,
// reset the election timer, validate the previous-entry match, reconcile
// any conflicting suffix, append the new entries, and advance our commit
// index to min(leaderCommit, last new entry).
func (r *Raft) HandleAppendEntries(req wire.AppendEntries) (wire.AppendResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.stepDownIfHigherTermLocked(req.Term); err != nil {
		return wire.AppendResponse{}, err
	}

	if req.Term < r.currentTerm {
		return wire.AppendResponse{Term: r.currentTerm, Success: false, AppendIndex: r.rlog.AppendIndex()}, nil
	}

	r.role = Follower
	lh := req.LeaderId
	r.leaderHint = &lh
	r.allowVote = true
	r.resetElectionTimerLocked()

	if !r.checkPreviousLocked(req.PrevIndex, req.PrevTerm) {
		return wire.AppendResponse{Term: r.currentTerm, Success: false, AppendIndex: r.rlog.AppendIndex()}, nil
	}

	if err := r.reconcileLocked(req.PrevIndex, req.Entries); err != nil {
		return wire.AppendResponse{}, err
	}

	lastNew := req.PrevIndex + int64(len(req.Entries))
	if req.LeaderCommit > r.commitIndex {
		newCommit := req.LeaderCommit
		if lastNew < newCommit {
			newCommit = lastNew
		}
		r.advanceCommitToLocked(newCommit, req.Term)
	}

	return wire.AppendResponse{
		Term:        r.currentTerm,
		Success:     true,
		MatchIndex:  lastNew,
		AppendIndex: r.rlog.AppendIndex(),
	}, nil
}

// HandleHeartbeat implements the lightweight no-entries ping (spec
// §4.4): it carries only the leader's commit index and that index's
// term, letting a follower advance commitIndex between full AppendEntries
// rounds without re-sending the log suffix.
func (r *Raft) HandleHeartbeat(hb wire.Heartbeat) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.stepDownIfHigherTermLocked(hb.Term); err != nil {
		return err
	}
	if hb.Term < r.currentTerm {
		return nil
	}
	r.role = Follower
	lh := hb.LeaderId
	r.leaderHint = &lh
	r.resetElectionTimerLocked()

	if hb.LeaderCommit > r.commitIndex && r.rlog.ReadEntryTerm(hb.LeaderCommit) == hb.CommitIndexTerm {
		r.advanceCommitToLocked(hb.LeaderCommit, hb.Term)
	}
	return nil
}

// checkPreviousLocked reports whether our log agrees with the leader on
// the entry immediately preceding the new ones (spec §4.5.2's log
// matching property).
func (r *Raft) checkPreviousLocked(prevIndex int64, prevTerm uint64) bool {
	if prevIndex <= 0 {
		return true
	}
	if prevIndex <= r.rlog.PrevIndex() {
		// already compacted past this point; trust the leader sent a
		// consistent prefix since it must have it committed to prune it.
		return true
	}
	return r.rlog.ReadEntryTerm(prevIndex) == prevTerm
}

// reconcileLocked appends entries starting at prevIndex+1, truncating any
// conflicting suffix first (spec §4.5.2).
func (r *Raft) reconcileLocked(prevIndex int64, entries []wire.LogEntry) error {
	next := prevIndex + 1
	for i, e := range entries {
		idx := next + int64(i)
		if idx <= r.rlog.AppendIndex() {
			existingTerm := r.rlog.ReadEntryTerm(idx)
			if existingTerm == e.Term {
				continue
			}
			if err := r.rlog.Truncate(idx, r.commitIndex); err != nil {
				return err
			}
		}
		if _, err := r.rlog.Append(e); err != nil {
			return err
		}
	}
	return nil
}

// advanceCommitToLocked moves commitIndex forward and emits a commit
// notification for the newly committed entries (spec §4.5.3).
func (r *Raft) advanceCommitToLocked(to int64, leaderTerm uint64) {
	if to <= r.commitIndex {
		return
	}
	from := r.commitIndex + 1
	entries := make([]wire.LogEntry, 0, to-from+1)
	for idx := from; idx <= to; idx++ {
		e, ok := r.rlog.ReadEntry(idx)
		if !ok {
			break
		}
		entries = append(entries, e)
	}
	r.commitIndex = from + int64(len(entries)) - 1
	if len(entries) == 0 {
		return
	}
	batch := CommitBatch{Entries: entries, FromIndex: from, LeaderTerm: leaderTerm}
	select {
	case r.applyCh <- batch:
	default:
		// applier is a single dedicated consumer and should never be this
		// far behind in steady state; block rather than drop a commit.
		r.applyCh <- batch
	}
}

// AppendClientEntry appends content as the next log entry if this node is
// leader, replicates it to a majority, and advances commitIndex before
// returning (spec §4.5.3). It does not wait for C11 to apply the entry;
// that handoff is tracked by C9.
func (r *Raft) AppendClientEntry(ctx context.Context, content []byte) (int64, uint64, error) {
	r.mu.Lock()
	if r.role != Leader {
		hint := r.leaderHint
		r.mu.Unlock()
		if hint != nil {
			return 0, 0, &NotLeaderError{Leader: hint}
		}
		return 0, 0, ErrNotLeader
	}
	term := r.currentTerm
	idx, err := r.rlog.Append(wire.LogEntry{Term: term, Content: content})
	if err != nil {
		r.mu.Unlock()
		return 0, 0, err
	}
	r.mu.Unlock()

	if err := r.replicateLocked(ctx, idx); err != nil {
		return idx, term, err
	}
	return idx, term, nil
}

// NotLeaderError is returned by AppendClientEntry when this node isn't
// leader, carrying the best-known current leader for the caller to retry
// against (spec §4.5.3, "NotLeader with a leader hint").
type NotLeaderError struct {
	Leader *identity.MemberId
}

func (e *NotLeaderError) Error() string {
	if e.Leader == nil {
		return "consensus: not leader, no hint available"
	}
	return "consensus: not leader, try " + e.Leader.String()
}

// replicateLocked fans AppendEntries out to every peer, retrying failed
// peers with a recursive back-off of their NextIndex on log-mismatch
// rejection, and advances commitIndex once a majority acknowledges idx.
func (r *Raft) replicateLocked(ctx context.Context, idx int64) error {
	r.mu.Lock()
	term := r.currentTerm
	peerIds := make([]identity.MemberId, 0, len(r.peers))
	for id := range r.peers {
		peerIds = append(peerIds, id)
	}
	needed := (len(r.peers)+1)/2 + 1
	r.mu.Unlock()

	acked := 1 // self
	results := make(chan bool, len(peerIds))
	for _, peer := range peerIds {
		peer := peer
		go func() {
			results <- r.sendAppendWithBackoff(ctx, peer, idx, r.cfg.AppendRetries)
		}()
	}
	for i := 0; i < len(peerIds); i++ {
		if <-results {
			acked++
		}
	}
	if acked < needed {
		return ErrAppendFailed
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentTerm != term || r.role != Leader {
		return ErrExpiredTerm
	}
	r.advanceCommitByMajorityLocked()
	if r.commitIndex < idx {
		return ErrCommitFailed
	}
	return nil
}

// sendAppendWithBackoff sends AppendEntries for everything from the
// peer's NextIndex through idx, walking NextIndex back one entry per
// rejection (spec's log-matching backoff), bounded by maxRetries to avoid
// the teacher's unbounded-recursion pitfall on a persistently diverged
// follower.
func (r *Raft) sendAppendWithBackoff(ctx context.Context, peer identity.MemberId, idx int64, maxRetries int) bool {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		r.mu.Lock()
		ps, ok := r.peers[peer]
		if !ok {
			r.mu.Unlock()
			return false
		}
		term := r.currentTerm
		self := r.cfg.Self
		prevIdx := ps.NextIndex - 1
		prevTerm := r.rlog.ReadEntryTerm(prevIdx)
		var entries []wire.LogEntry
		for i := ps.NextIndex; i <= idx; i++ {
			e, ok := r.rlog.ReadEntry(i)
			if !ok {
				break
			}
			entries = append(entries, e)
		}
		commit := r.commitIndex
		r.mu.Unlock()

		resp, err := r.tr.SendAppendEntries(ctx, peer, wire.AppendEntries{
			Term:         term,
			ClusterId:    r.cfg.Cluster,
			LeaderId:     self,
			PrevIndex:    prevIdx,
			PrevTerm:     prevTerm,
			Entries:      entries,
			LeaderCommit: commit,
		})
		if err != nil {
			r.log.Debug().Err(err).Str("peer", peer.String()).Msg("append rpc failed")
			return false
		}

		r.mu.Lock()
		if resp.Term > r.currentTerm {
			r.role = Follower
			_ = r.setTermLocked(resp.Term, nil)
			r.mu.Unlock()
			return false
		}
		if resp.Success {
			ps.MatchIndex = resp.MatchIndex
			ps.NextIndex = resp.MatchIndex + 1
			r.mu.Unlock()
			return true
		}
		if ps.NextIndex > 1 {
			ps.NextIndex--
		}
		r.mu.Unlock()
	}
	return false
}

// advanceCommitByMajorityLocked recomputes commitIndex as the highest
// index replicated to a majority whose term matches currentTerm (spec
// §4.5.3's transitive-commit-through-current-term-only rule).
func (r *Raft) advanceCommitByMajorityLocked() {
	matches := make([]int64, 0, len(r.peers)+1)
	matches = append(matches, r.rlog.AppendIndex()) // self always matches own log
	for _, ps := range r.peers {
		matches = append(matches, ps.MatchIndex)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
	majorityIdx := matches[len(matches)/2]
	if majorityIdx <= r.commitIndex {
		return
	}
	if r.rlog.ReadEntryTerm(majorityIdx) != r.currentTerm {
		return
	}
	r.advanceCommitToLocked(majorityIdx, r.currentTerm)
}

// OnHeartbeatTick sends a Heartbeat to every peer (spec §4.4), rearming
// itself for the next interval.
func (r *Raft) OnHeartbeatTick(ctx context.Context) {
	r.mu.Lock()
	if r.role != Leader {
		r.mu.Unlock()
		return
	}
	term := r.currentTerm
	commit := r.commitIndex
	commitTerm := r.rlog.ReadEntryTerm(commit)
	peerIds := make([]identity.MemberId, 0, len(r.peers))
	for id := range r.peers {
		peerIds = append(peerIds, id)
	}
	r.timers.Set(timer.Heartbeat, r.cfg.HeartbeatInterval, 0)
	r.mu.Unlock()

	hb := wire.Heartbeat{Term: term, ClusterId: r.cfg.Cluster, LeaderId: r.cfg.Self, LeaderCommit: commit, CommitIndexTerm: commitTerm}
	for _, peer := range peerIds {
		peer := peer
		go func() {
			if err := r.tr.SendHeartbeat(ctx, peer, hb); err != nil {
				r.log.Debug().Err(err).Str("peer", peer.String()).Msg("heartbeat failed")
			}
		}()
	}
}

// PeerSnapshot returns a point-in-time copy of a peer's replication
// progress, for the progress tracker / catch-up trigger to consult.
func (r *Raft) PeerSnapshot(peer identity.MemberId) (PeerState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps, ok := r.peers[peer]
	if !ok {
		return PeerState{}, false
	}
	return *ps, true
}

// CommitIndex returns the current commit index.
func (r *Raft) CommitIndex() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitIndex
}
