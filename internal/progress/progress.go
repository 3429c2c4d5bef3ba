// Package progress implements C9: tracking in-flight client operations
// from the moment C8 submits them through C5 until C11 reports they were
// applied, so the original caller can be woken with a result instead of
// polling the log.
package progress

import (
	"fmt"
	"sync"
)

// Result is delivered to whoever is waiting on one tracked operation.
type Result struct {
	Value []byte
	Err   error
}

// key identifies one tracked operation by its owning global session, the
// local session within it, and the sequence number the client assigned it
// (spec §4.7's duplicate suppression key — "highest applied sequence
// number per (globalSession, localSession)"); foreign-global-session
// operations (ones this node didn't itself submit, e.g. replayed on a
// follower that later becomes leader) are never tracked here and are
// simply applied without a waiter. Two local sessions sharing one global
// session (e.g. two connections from the same client) must not dedupe
// each other's operations, so localSessionId is part of the key.
type key struct {
	globalSessionId string
	localSessionId  int64
	sequenceNum     int64
}

func keyFor(globalSessionId []byte, localSessionId, seq int64) key {
	return key{globalSessionId: string(globalSessionId), localSessionId: localSessionId, sequenceNum: seq}
}

// Tracker is C9.
type Tracker struct {
	mu      sync.Mutex
	pending map[key]chan Result

	replEvents chan struct{}
}

// New constructs an empty Tracker.
func New() *Tracker {
	return &Tracker{
		pending:    make(map[key]chan Result),
		replEvents: make(chan struct{}, 1),
	}
}

// Start registers interest in the outcome of the operation identified by
// (globalSessionId, localSessionId, sequenceNum), returning a channel
// that receives exactly one Result. Only the node that locally accepted
// the client request calls Start for it.
func (t *Tracker) Start(globalSessionId []byte, localSessionId, seq int64) <-chan Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := keyFor(globalSessionId, localSessionId, seq)
	ch := make(chan Result, 1)
	t.pending[k] = ch
	return ch
}

// TrackResult is called by C11 once an entry has been applied, delivering
// its result to any waiter registered for the same session/sequence.
// Operations with no matching waiter (the common case on every node but
// the one that accepted the client request) are silently ignored — spec
// §4.7: "foreign global-session operations are ignored" by the tracker.
func (t *Tracker) TrackResult(globalSessionId []byte, localSessionId, seq int64, value []byte, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := keyFor(globalSessionId, localSessionId, seq)
	ch, ok := t.pending[k]
	if !ok {
		return
	}
	delete(t.pending, k)
	ch <- Result{Value: value, Err: err}
}

// Abort fails a tracked operation outright — used when replication to a
// majority definitively fails (e.g. this node lost leadership before the
// entry committed) and C11 will therefore never see it applied.
func (t *Tracker) Abort(globalSessionId []byte, localSessionId, seq int64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := keyFor(globalSessionId, localSessionId, seq)
	ch, ok := t.pending[k]
	if !ok {
		return
	}
	delete(t.pending, k)
	ch <- Result{Err: err}
}

// Cancel abandons interest in an operation without delivering a Result,
// for a caller that gave up waiting (e.g. its context was cancelled).
func (t *Tracker) Cancel(globalSessionId []byte, localSessionId, seq int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, keyFor(globalSessionId, localSessionId, seq))
}

// TriggerReplicationEvent wakes any goroutine watching ReplicationEvents,
// signalling that the log just grew and a lagging peer might now be far
// enough behind to warrant catch-up (C10) rather than incremental
// AppendEntries.
func (t *Tracker) TriggerReplicationEvent() {
	select {
	case t.replEvents <- struct{}{}:
	default:
	}
}

// ReplicationEvents returns the channel TriggerReplicationEvent signals;
// nothing in this module reads from it.
func (t *Tracker) ReplicationEvents() <-chan struct{} { return t.replEvents }

// ErrNotLeaderLocally is returned by callers that attempt to Start
// tracking on a node that isn't leader; kept here so C8 and C9 share one
// sentinel instead of each defining their own.
var ErrNotLeaderLocally = fmt.Errorf("progress: not leader")
