package replicator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/btmorr/leifraft/internal/consensus"
	"github.com/btmorr/leifraft/internal/identity"
	"github.com/btmorr/leifraft/internal/progress"
)

func zeroLogger() zerolog.Logger { return zerolog.Nop() }

type fakeSubmitter struct {
	attempts int
	failN    int
	leader   *identity.MemberId
	idx      int64
}

func (f *fakeSubmitter) AppendClientEntry(_ context.Context, _ []byte) (int64, uint64, error) {
	f.attempts++
	if f.leader != nil {
		return 0, 0, &consensus.NotLeaderError{Leader: f.leader}
	}
	if f.attempts <= f.failN {
		return 0, 0, consensus.ErrAppendFailed
	}
	f.idx++
	return f.idx, 1, nil
}

func TestReplicateSucceedsAfterTransientFailures(t *testing.T) {
	sub := &fakeSubmitter{failN: 2}
	tracker := progress.New()
	r := New(sub, tracker, Config{InitialBackoff: time.Millisecond, MaxAttempts: 5}, zeroLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		val, err := r.Replicate(context.Background(), []byte("sess"), 1, 1, []byte("v"), true)
		require.NoError(t, err)
		require.Equal(t, []byte("applied"), val)
	}()

	// simulate C11 applying the entry once it's committed.
	require.Eventually(t, func() bool {
		tracker.TrackResult([]byte("sess"), 1, 1, []byte("applied"), nil)
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestReplicateReturnsNotLeaderImmediately(t *testing.T) {
	hint := identity.NewMemberId()
	sub := &fakeSubmitter{leader: &hint}
	tracker := progress.New()
	r := New(sub, tracker, Config{InitialBackoff: time.Millisecond, MaxAttempts: 5}, zeroLogger())

	_, err := r.Replicate(context.Background(), []byte("sess"), 1, 1, []byte("v"), true)
	require.Error(t, err)
	var nle *NotLeaderError
	require.ErrorAs(t, err, &nle)
	require.Equal(t, hint, *nle.Leader)
	require.Equal(t, 1, sub.attempts)
}

func TestReplicateGivesUpAfterMaxAttempts(t *testing.T) {
	sub := &fakeSubmitter{failN: 99}
	tracker := progress.New()
	r := New(sub, tracker, Config{InitialBackoff: time.Millisecond, MaxAttempts: 3}, zeroLogger())

	_, err := r.Replicate(context.Background(), []byte("sess"), 1, 1, []byte("v"), true)
	require.Error(t, err)
	require.Equal(t, 3, sub.attempts)
}
