package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetFiresAfterDelay(t *testing.T) {
	s := New(4)
	s.Set(Heartbeat, 10*time.Millisecond, 0)

	select {
	case f := <-s.Events():
		require.Equal(t, Heartbeat, f.Name)
		require.True(t, s.IsCurrent(f))
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timer did not fire")
	}
}

func TestResetInvalidatesPriorGeneration(t *testing.T) {
	s := New(4)
	s.Set(Election, 20*time.Millisecond, 0)
	time.Sleep(5 * time.Millisecond)
	s.Reset(Election, 20*time.Millisecond, 0)

	select {
	case f := <-s.Events():
		require.True(t, s.IsCurrent(f), "only the latest generation should be current")
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timer did not fire")
	}
}

func TestCancelStopsFiring(t *testing.T) {
	s := New(4)
	s.Set(AppendBatch, 10*time.Millisecond, 0)
	s.Cancel(AppendBatch)

	select {
	case f := <-s.Events():
		require.False(t, s.IsCurrent(f), "a cancelled timer's fire (if any) should be stale")
	case <-time.After(50 * time.Millisecond):
		// no fire at all is also an acceptable outcome of Cancel.
	}
}

func TestRandomElectionTimeoutInRange(t *testing.T) {
	base := 50 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := RandomElectionTimeout(base)
		require.GreaterOrEqual(t, d, base)
		require.Less(t, d, 2*base)
	}
}
