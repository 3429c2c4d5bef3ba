package applier

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/btmorr/leifraft/internal/consensus"
	"github.com/btmorr/leifraft/internal/identity"
	"github.com/btmorr/leifraft/internal/progress"
	"github.com/btmorr/leifraft/internal/wire"
)

type fakeTransactor struct {
	applied [][]byte
}

func (f *fakeTransactor) Apply(_ context.Context, value []byte) ([]byte, error) {
	f.applied = append(f.applied, value)
	return append([]byte("echo:"), value...), nil
}

type fakeRegistry struct {
	added   []identity.MemberId
	removed []identity.MemberId
}

func (f *fakeRegistry) AddMember(id identity.MemberId)    { f.added = append(f.added, id) }
func (f *fakeRegistry) RemoveMember(id identity.MemberId) { f.removed = append(f.removed, id) }

func entryFor(t *testing.T, content []byte) wire.LogEntry {
	t.Helper()
	return wire.LogEntry{Term: 1, Content: content}
}

func TestApplyTransactionDeliversResultToTracker(t *testing.T) {
	tx := &fakeTransactor{}
	tracker := progress.New()
	a := New(tx, tracker, &fakeRegistry{}, zerolog.Nop())

	waitCh := tracker.Start([]byte("sess-1"), 1, 1)

	content := wire.DistributedOperation{
		Value:       []byte("hello"),
		Session:     wire.Session{GlobalSessionId: []byte("sess-1"), LocalSessionId: 1},
		SequenceNum: 1,
		OperationId: []byte("op-1"),
	}.EncodeContent()

	commits := make(chan consensus.CommitBatch, 1)
	go a.Run(context.Background(), commits)
	commits <- consensus.CommitBatch{
		FromIndex: 1,
		Entries:   []wire.LogEntry{entryFor(t, content)},
	}

	select {
	case res := <-waitCh:
		require.NoError(t, res.Err)
		require.Equal(t, []byte("echo:hello"), res.Value)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for applied result")
	}
	require.Eventually(t, func() bool { return a.LastApplied() == 1 }, time.Second, time.Millisecond)
	close(commits)
}

func TestApplyTransactionDuplicateSequenceIsIdempotent(t *testing.T) {
	tx := &fakeTransactor{}
	tracker := progress.New()
	a := New(tx, tracker, &fakeRegistry{}, zerolog.Nop())

	content := wire.DistributedOperation{
		Value:       []byte("hello"),
		Session:     wire.Session{GlobalSessionId: []byte("sess-1"), LocalSessionId: 1},
		SequenceNum: 1,
		OperationId: []byte("op-1"),
	}.EncodeContent()

	a.applyOne(context.Background(), 1, entryFor(t, content))
	require.Len(t, tx.applied, 1)

	// replayed duplicate at the same sequence number must not re-run the
	// transaction a second time.
	a.applyOne(context.Background(), 2, entryFor(t, content))
	require.Len(t, tx.applied, 1)
}

func TestApplyTransactionDedupesOnlyWithinSameLocalSession(t *testing.T) {
	tx := &fakeTransactor{}
	a := New(tx, progress.New(), &fakeRegistry{}, zerolog.Nop())

	contentFor := func(localSessionId int64) []byte {
		return wire.DistributedOperation{
			Value:       []byte("hello"),
			Session:     wire.Session{GlobalSessionId: []byte("sess-1"), LocalSessionId: localSessionId},
			SequenceNum: 1,
			OperationId: []byte("op-1"),
		}.EncodeContent()
	}

	// two local sessions under the same global session, both at sequence
	// 1: neither should be treated as a duplicate of the other.
	a.applyOne(context.Background(), 1, entryFor(t, contentFor(1)))
	a.applyOne(context.Background(), 2, entryFor(t, contentFor(2)))
	require.Len(t, tx.applied, 2)

	// a genuine replay within local session 1 at the same sequence is
	// still suppressed.
	a.applyOne(context.Background(), 3, entryFor(t, contentFor(1)))
	require.Len(t, tx.applied, 2)
}

func TestApplyMemberSetAddsAndRemoves(t *testing.T) {
	tracker := progress.New()
	reg := &fakeRegistry{}
	a := New(&fakeTransactor{}, tracker, reg, zerolog.Nop())

	id := identity.NewMemberId()
	raw, err := id.MarshalBinary()
	require.NoError(t, err)

	a.applyOne(context.Background(), 1, entryFor(t, wire.MemberChange{Add: raw}.EncodeContent()))
	require.Equal(t, []identity.MemberId{id}, reg.added)

	a.applyOne(context.Background(), 2, entryFor(t, wire.MemberChange{Remove: raw}.EncodeContent()))
	require.Equal(t, []identity.MemberId{id}, reg.removed)
}

func TestApplyIdAllocationAdvancesCounterDeterministically(t *testing.T) {
	a := New(&fakeTransactor{}, progress.New(), &fakeRegistry{}, zerolog.Nop())

	req := wire.IdAllocationRequest{IdType: "order", Count: 5}.EncodeContent()
	a.applyOne(context.Background(), 1, entryFor(t, req))
	a.applyOne(context.Background(), 2, entryFor(t, req))

	require.Equal(t, uint64(10), a.ids.Next("order"))
}

func TestApplyLockTokenAcquireIsSingleHolder(t *testing.T) {
	a := New(&fakeTransactor{}, progress.New(), &fakeRegistry{}, zerolog.Nop())

	reqA := wire.LockTokenAcquire{LockName: "lock-1", SessionId: []byte("session-a")}.EncodeContent()
	reqB := wire.LockTokenAcquire{LockName: "lock-1", SessionId: []byte("session-b")}.EncodeContent()

	a.applyOne(context.Background(), 1, entryFor(t, reqA))
	grantedA, _ := a.locks.Acquire("lock-1", []byte("session-a"))
	require.True(t, grantedA)

	a.applyOne(context.Background(), 2, entryFor(t, reqB))
	grantedB, _ := a.locks.Acquire("lock-1", []byte("session-c"))
	require.False(t, grantedB)
}

func TestApplyDummyAdvancesLastAppliedOnly(t *testing.T) {
	a := New(&fakeTransactor{}, progress.New(), &fakeRegistry{}, zerolog.Nop())
	a.applyOne(context.Background(), 1, entryFor(t, wire.DummyContent()))
	require.Equal(t, int64(1), a.LastApplied())
}

func TestAppStateSnapshotRoundTripsIntoAFreshApplier(t *testing.T) {
	src := New(&fakeTransactor{}, progress.New(), &fakeRegistry{}, zerolog.Nop())
	src.applyOne(context.Background(), 1, entryFor(t, wire.IdAllocationRequest{IdType: "order", Count: 5}.EncodeContent()))
	src.applyOne(context.Background(), 2, entryFor(t, wire.LockTokenAcquire{LockName: "lock-1", SessionId: []byte("session-a")}.EncodeContent()))

	blobs := src.AppStateSnapshot()
	require.Contains(t, blobs, "id-allocation")
	require.Contains(t, blobs, "lock-token")

	dst := New(&fakeTransactor{}, progress.New(), &fakeRegistry{}, zerolog.Nop())
	require.NoError(t, dst.RestoreAppState(blobs))

	require.Equal(t, uint64(5), dst.ids.Next("order"))
	grantedA, _ := dst.locks.Acquire("lock-1", []byte("session-a"))
	require.True(t, grantedA)
	grantedOther, _ := dst.locks.Acquire("lock-1", []byte("session-b"))
	require.False(t, grantedOther)
}
