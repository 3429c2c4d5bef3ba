package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartThenTrackResultDelivers(t *testing.T) {
	tr := New()
	ch := tr.Start([]byte("session-a"), 1, 1)
	tr.TrackResult([]byte("session-a"), 1, 1, []byte("ok"), nil)

	select {
	case res := <-ch:
		require.NoError(t, res.Err)
		require.Equal(t, []byte("ok"), res.Value)
	case <-time.After(time.Second):
		t.Fatal("result never delivered")
	}
}

func TestTrackResultWithNoWaiterIsIgnored(t *testing.T) {
	tr := New()
	require.NotPanics(t, func() {
		tr.TrackResult([]byte("unknown-session"), 1, 7, []byte("x"), nil)
	})
}

func TestAbortDeliversError(t *testing.T) {
	tr := New()
	ch := tr.Start([]byte("session-b"), 1, 3)
	tr.Abort([]byte("session-b"), 1, 3, ErrNotLeaderLocally)

	res := <-ch
	require.ErrorIs(t, res.Err, ErrNotLeaderLocally)
}

func TestDistinctLocalSessionsAreTrackedIndependently(t *testing.T) {
	tr := New()
	ch1 := tr.Start([]byte("session-a"), 1, 1)
	ch2 := tr.Start([]byte("session-a"), 2, 1)

	tr.TrackResult([]byte("session-a"), 1, 1, []byte("from-local-1"), nil)
	tr.TrackResult([]byte("session-a"), 2, 1, []byte("from-local-2"), nil)

	res1 := <-ch1
	res2 := <-ch2
	require.Equal(t, []byte("from-local-1"), res1.Value)
	require.Equal(t, []byte("from-local-2"), res2.Value)
}

func TestTriggerReplicationEventIsNonBlockingAndCoalesces(t *testing.T) {
	tr := New()
	tr.TriggerReplicationEvent()
	tr.TriggerReplicationEvent()
	tr.TriggerReplicationEvent()

	select {
	case <-tr.ReplicationEvents():
	default:
		t.Fatal("expected a buffered event")
	}
	select {
	case <-tr.ReplicationEvents():
		t.Fatal("extra triggers should coalesce, not queue")
	default:
	}
}
