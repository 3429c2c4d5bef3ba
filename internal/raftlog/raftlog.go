// Package raftlog implements C3, the Raft log: the durable append/
// truncate/prune protocol surface composed from the C1 durable store and
// the C2 in-flight cache.
package raftlog

import (
	"github.com/btmorr/leifraft/internal/cache"
	"github.com/btmorr/leifraft/internal/store"
	"github.com/btmorr/leifraft/internal/wire"
)

// Log is C3.
type Log struct {
	store *store.Store
	cache *cache.Cache
}

// New composes a durable store and an in-flight cache into one Log.
func New(s *store.Store, c *cache.Cache) *Log {
	return &Log{store: s, cache: c}
}

// Append writes durably, then caches.
func (l *Log) Append(entry wire.LogEntry) (int64, error) {
	idx, err := l.store.Append(entry)
	if err != nil {
		return 0, err
	}
	l.cache.Put(idx, entry)
	return idx, nil
}

// ReadEntry tries the cache first, falling back to disk.
func (l *Log) ReadEntry(index int64) (wire.LogEntry, bool) {
	if e, ok := l.cache.Get(index); ok {
		return e, true
	}
	return l.store.ReadEntry(index)
}

// ReadEntryTerm returns the term of the entry at index, or 0 if absent.
func (l *Log) ReadEntryTerm(index int64) uint64 {
	if index <= l.PrevIndex() {
		return 0
	}
	e, ok := l.ReadEntry(index)
	if !ok {
		return 0
	}
	return e.Term
}

// AppendIndex returns the highest durable log index.
func (l *Log) AppendIndex() int64 { return l.store.AppendIndex() }

// PrevIndex returns the highest pruned index.
func (l *Log) PrevIndex() int64 { return l.store.PrevIndex() }

// Truncate discards entries with index >= fromIndex from both layers.
func (l *Log) Truncate(fromIndex, commitIndex int64) error {
	if err := l.store.Truncate(fromIndex, commitIndex); err != nil {
		return err
	}
	l.cache.Truncate(fromIndex)
	return nil
}

// Prune removes whole segments at or below upToIndex from both layers.
func (l *Log) Prune(upToIndex int64) error {
	if err := l.store.Prune(upToIndex); err != nil {
		return err
	}
	l.cache.Prune(upToIndex)
	return nil
}

// ReadFrom opens a reference-counted cursor over the durable store,
// deferring pruning of any segment it still references (spec §5).
func (l *Log) ReadFrom(index int64) *store.Cursor { return l.store.ReadFrom(index) }
