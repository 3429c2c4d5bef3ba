// Package applier implements C11: single-threaded consumption of
// committed log entries, dispatching each by its content tag to the
// right deterministic state machine so every replica ends up in the same
// state.
package applier

import (
	"context"
	"encoding/binary"
	"errors"
	"sync/atomic"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/rs/zerolog"

	"github.com/btmorr/leifraft/internal/applier/idalloc"
	"github.com/btmorr/leifraft/internal/applier/locktoken"
	"github.com/btmorr/leifraft/internal/consensus"
	"github.com/btmorr/leifraft/internal/identity"
	"github.com/btmorr/leifraft/internal/progress"
	"github.com/btmorr/leifraft/internal/wire"
)

var errShortAppState = errors.New("applier: truncated app-state snapshot blob")

// Transactor applies an application-defined DistributedOperation value
// to whatever state machine sits above the Raft core, returning the
// opaque result reported back to the client (spec §4.11's injected
// application hook).
type Transactor interface {
	Apply(ctx context.Context, value []byte) ([]byte, error)
}

// MemberRegistry is the narrow C5 surface C11 needs to apply MemberSet
// entries once they commit.
type MemberRegistry interface {
	AddMember(id identity.MemberId)
	RemoveMember(id identity.MemberId)
}

// Applier is C11.
type Applier struct {
	tx      Transactor
	tracker *progress.Tracker
	members MemberRegistry
	ids     *idalloc.Allocator
	locks   *locktoken.Manager
	log     zerolog.Logger

	lastApplied atomic.Int64

	// sessions is a copy-on-read snapshot of the highest sequence number
	// applied per global session, used to drop replayed duplicates
	// idempotently (spec §4.8).
	sessions atomic.Pointer[iradix.Tree]
}

// New constructs an Applier. lastApplied starts at -1 (nothing applied).
func New(tx Transactor, tracker *progress.Tracker, members MemberRegistry, log zerolog.Logger) *Applier {
	a := &Applier{
		tx:      tx,
		tracker: tracker,
		members: members,
		ids:     idalloc.New(),
		locks:   locktoken.New(),
		log:     log.With().Str("component", "applier").Logger(),
	}
	a.lastApplied.Store(-1)
	a.sessions.Store(iradix.New())
	return a
}

// LastApplied returns the highest index applied so far.
func (a *Applier) LastApplied() int64 { return a.lastApplied.Load() }

// AppStateSnapshot encodes the small in-memory state machines (id
// allocation, lock tokens) into the named blobs a CoreSnapshotResponse
// carries to a member too far behind for the log-tail catch-up path
// (spec §4.10's fallback).
func (a *Applier) AppStateSnapshot() map[string][]byte {
	out := make(map[string][]byte, 2)
	if ids := a.ids.Snapshot(); len(ids) > 0 {
		out["id-allocation"] = encodeUint64Map(ids)
	}
	if locks := a.locks.Snapshot(); len(locks) > 0 {
		out["lock-token"] = encodeStringMap(locks)
	}
	return out
}

// RestoreAppState decodes the blobs produced by AppStateSnapshot back
// into the id-allocation and lock-token state machines, used when this
// node installs a CoreSnapshotResponse instead of replaying the log
// (spec §4.10's fallback path).
func (a *Applier) RestoreAppState(blobs map[string][]byte) error {
	if b, ok := blobs["id-allocation"]; ok {
		m, err := decodeUint64Map(b)
		if err != nil {
			return err
		}
		a.ids.Restore(m)
	}
	if b, ok := blobs["lock-token"]; ok {
		m, err := decodeStringMap(b)
		if err != nil {
			return err
		}
		a.locks.Restore(m)
	}
	return nil
}

func encodeUint64Map(m map[string]uint64) []byte {
	buf := make([]byte, 0, 64)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(m)))
	buf = append(buf, n[:]...)
	for k, v := range m {
		buf = appendLenPrefixed(buf, []byte(k))
		var vb [8]byte
		binary.BigEndian.PutUint64(vb[:], v)
		buf = append(buf, vb[:]...)
	}
	return buf
}

func encodeStringMap(m map[string]string) []byte {
	buf := make([]byte, 0, 64)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(m)))
	buf = append(buf, n[:]...)
	for k, v := range m {
		buf = appendLenPrefixed(buf, []byte(k))
		buf = appendLenPrefixed(buf, []byte(v))
	}
	return buf
}

func appendLenPrefixed(buf, b []byte) []byte {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	buf = append(buf, n[:]...)
	return append(buf, b...)
}

func decodeUint64Map(b []byte) (map[string]uint64, error) {
	r := mapReader{buf: b}
	n, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint64, n)
	for i := uint32(0); i < n; i++ {
		k, err := r.readLenPrefixed()
		if err != nil {
			return nil, err
		}
		v, err := r.readUint64()
		if err != nil {
			return nil, err
		}
		out[string(k)] = v
	}
	return out, nil
}

func decodeStringMap(b []byte) (map[string]string, error) {
	r := mapReader{buf: b}
	n, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		k, err := r.readLenPrefixed()
		if err != nil {
			return nil, err
		}
		v, err := r.readLenPrefixed()
		if err != nil {
			return nil, err
		}
		out[string(k)] = string(v)
	}
	return out, nil
}

// mapReader is a tiny cursor over the length-prefixed encoding
// encodeUint64Map/encodeStringMap produce; it exists only to keep the
// applier's app-state snapshot format self-contained rather than
// reaching into internal/wire for an unrelated shape.
type mapReader struct {
	buf []byte
	pos int
}

func (r *mapReader) readUint32() (uint32, error) {
	if len(r.buf)-r.pos < 4 {
		return 0, errShortAppState
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *mapReader) readUint64() (uint64, error) {
	if len(r.buf)-r.pos < 8 {
		return 0, errShortAppState
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *mapReader) readLenPrefixed() ([]byte, error) {
	n, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	if uint32(len(r.buf)-r.pos) < n {
		return nil, errShortAppState
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

// Run consumes commit batches until commits closes or ctx is cancelled.
// It is meant to run on its own dedicated goroutine — applying is always
// single-threaded, per spec §5.
func (a *Applier) Run(ctx context.Context, commits <-chan consensus.CommitBatch) {
	for {
		select {
		case batch, ok := <-commits:
			if !ok {
				return
			}
			a.applyBatch(ctx, batch)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Applier) applyBatch(ctx context.Context, batch consensus.CommitBatch) {
	idx := batch.FromIndex
	for _, e := range batch.Entries {
		a.applyOne(ctx, idx, e)
		idx++
	}
}

func (a *Applier) applyOne(ctx context.Context, index int64, e wire.LogEntry) {
	defer a.lastApplied.Store(index)

	tag, err := wire.PeekContentTag(e.Content)
	if err != nil {
		a.log.Error().Err(err).Int64("index", index).Msg("malformed committed entry, skipping")
		return
	}

	switch tag {
	case wire.ContentTransaction:
		a.applyTransaction(ctx, e.Content)
	case wire.ContentMemberSet:
		a.applyMemberSet(e.Content)
	case wire.ContentIdAllocation:
		a.applyIdAllocation(e.Content)
	case wire.ContentLockTokenAcquire:
		a.applyLockTokenAcquire(e.Content)
	case wire.ContentTokenCreate:
		// token blobs are opaque to the applier and are not recorded: no
		// state machine receives token-create entries.
	case wire.ContentSessionTrack:
		st, err := wire.DecodeSessionTrack(e.Content)
		if err != nil {
			a.log.Error().Err(err).Msg("decoding session-track entry")
			return
		}
		a.recordSequence(st.Session.GlobalSessionId, st.Session.LocalSessionId, st.SequenceNum)
	case wire.ContentDummy:
		// no-op commit-forcing entry.
	default:
		a.log.Warn().Uint8("tag", uint8(tag)).Int64("index", index).Msg("unknown content tag, skipping")
	}
}

// sessionKey combines the global and local session ids into one
// duplicate-suppression key (spec §4.8: "highest applied sequence number
// per (globalSession, localSession)") — two local sessions sharing one
// global session (e.g. two connections from the same client) must not
// dedupe each other's operations.
func sessionKey(globalSessionId []byte, localSessionId int64) []byte {
	key := make([]byte, len(globalSessionId)+8)
	copy(key, globalSessionId)
	binary.BigEndian.PutUint64(key[len(globalSessionId):], uint64(localSessionId))
	return key
}

// recordSequence advances the high-water sequence number recorded for a
// (global, local) session pair, returning whether seq had already been
// seen (a duplicate).
func (a *Applier) recordSequence(globalSessionId []byte, localSessionId, seq int64) bool {
	tree := a.sessions.Load()
	key := sessionKey(globalSessionId, localSessionId)
	if raw, ok := tree.Get(key); ok {
		if int64(binary.BigEndian.Uint64(raw.([]byte))) >= seq {
			return true
		}
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(seq))
	newTree, _, _ := tree.Insert(key, buf)
	a.sessions.Store(newTree)
	return false
}

func (a *Applier) applyTransaction(ctx context.Context, content []byte) {
	op, err := wire.DecodeDistributedOperation(content)
	if err != nil {
		a.log.Error().Err(err).Msg("decoding transaction entry")
		return
	}
	if a.recordSequence(op.Session.GlobalSessionId, op.Session.LocalSessionId, op.SequenceNum) {
		// duplicate replay (e.g. a retried client request whose earlier
		// attempt already committed): don't re-run side effects, but a
		// waiter on this node (if any) still needs to be released.
		a.tracker.TrackResult(op.Session.GlobalSessionId, op.Session.LocalSessionId, op.SequenceNum, nil, nil)
		return
	}
	result, err := a.tx.Apply(ctx, op.Value)
	a.tracker.TrackResult(op.Session.GlobalSessionId, op.Session.LocalSessionId, op.SequenceNum, result, err)
}

func (a *Applier) applyMemberSet(content []byte) {
	mc, err := wire.DecodeMemberChange(content)
	if err != nil {
		a.log.Error().Err(err).Msg("decoding member-set entry")
		return
	}
	if mc.Add != nil {
		var id identity.MemberId
		if err := id.UnmarshalBinary(mc.Add); err == nil {
			a.members.AddMember(id)
		}
	}
	if mc.Remove != nil {
		var id identity.MemberId
		if err := id.UnmarshalBinary(mc.Remove); err == nil {
			a.members.RemoveMember(id)
		}
	}
}

func (a *Applier) applyIdAllocation(content []byte) {
	req, err := wire.DecodeIdAllocationRequest(content)
	if err != nil {
		a.log.Error().Err(err).Msg("decoding id-allocation entry")
		return
	}
	start, end := a.ids.Allocate(req.IdType, req.Count)
	a.log.Debug().Str("id_type", req.IdType).Uint64("start", start).Uint64("end", end).Msg("allocated ids")
}

func (a *Applier) applyLockTokenAcquire(content []byte) {
	req, err := wire.DecodeLockTokenAcquire(content)
	if err != nil {
		a.log.Error().Err(err).Msg("decoding lock-token entry")
		return
	}
	granted, token := a.locks.Acquire(req.LockName, req.SessionId)
	a.log.Debug().Str("lock", req.LockName).Bool("granted", granted).Bytes("token", token).Msg("lock acquire")
}
