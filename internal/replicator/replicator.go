// Package replicator implements C8: the client-facing entry point for
// submitting a new operation, turning it into a log entry, and waiting
// for C9 to report that C11 applied it.
package replicator

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/btmorr/leifraft/internal/consensus"
	"github.com/btmorr/leifraft/internal/identity"
	"github.com/btmorr/leifraft/internal/progress"
	"github.com/btmorr/leifraft/internal/wire"
)

// Submitter is the narrow C5 surface C8 needs.
type Submitter interface {
	AppendClientEntry(ctx context.Context, content []byte) (index int64, term uint64, err error)
}

// NotLeaderError is returned when this node cannot accept the operation
// because it isn't leader, carrying a hint for the caller to retry
// against (spec §4.8).
type NotLeaderError struct {
	Leader *identity.MemberId
}

func (e *NotLeaderError) Error() string {
	if e.Leader == nil {
		return "replicator: not leader, no hint available"
	}
	return "replicator: not leader, try " + e.Leader.String()
}

// Config tunes the retry loop.
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
}

// Replicator is C8.
type Replicator struct {
	raft    Submitter
	tracker *progress.Tracker
	cfg     Config
	log     zerolog.Logger
}

// New constructs a Replicator.
func New(raft Submitter, tracker *progress.Tracker, cfg Config, log zerolog.Logger) *Replicator {
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = 10 * time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	return &Replicator{raft: raft, tracker: tracker, cfg: cfg, log: log.With().Str("component", "replicator").Logger()}
}

func newOperationId() []byte {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return b
}

// Replicate submits value under the given session/sequence, retrying
// append/commit failures with exponential backoff, and — when
// ackRequired is true — blocks until C11 reports the entry applied. When
// ackRequired is false, it returns as soon as the entry is committed,
// without waiting for application.
func (r *Replicator) Replicate(ctx context.Context, globalSessionId []byte, localSessionId, seq int64, value []byte, ackRequired bool) ([]byte, error) {
	waitCh := r.tracker.Start(globalSessionId, localSessionId, seq)

	content := wire.DistributedOperation{
		Value:       value,
		Session:     wire.Session{GlobalSessionId: globalSessionId, LocalSessionId: localSessionId},
		SequenceNum: seq,
		OperationId: newOperationId(),
	}.EncodeContent()

	backoff := r.cfg.InitialBackoff
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		_, _, err := r.raft.AppendClientEntry(ctx, content)
		if err == nil {
			r.tracker.TriggerReplicationEvent()
			if !ackRequired {
				r.tracker.Cancel(globalSessionId, localSessionId, seq)
				return nil, nil
			}
			select {
			case res := <-waitCh:
				return res.Value, res.Err
			case <-ctx.Done():
				r.tracker.Cancel(globalSessionId, localSessionId, seq)
				return nil, ctx.Err()
			}
		}

		var nle *consensus.NotLeaderError
		if errors.As(err, &nle) {
			r.tracker.Cancel(globalSessionId, localSessionId, seq)
			return nil, &NotLeaderError{Leader: nle.Leader}
		}

		lastErr = err
		r.log.Debug().Err(err).Int("attempt", attempt).Msg("append failed, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			r.tracker.Cancel(globalSessionId, localSessionId, seq)
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
	}
	r.tracker.Cancel(globalSessionId, localSessionId, seq)
	return nil, fmt.Errorf("replicator: giving up after %d attempts: %w", r.cfg.MaxAttempts, lastErr)
}
