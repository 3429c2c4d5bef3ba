// Package idalloc implements the id-allocation content handler for C11:
// a deterministic per-type counter, advanced only by committed
// IdAllocationRequest entries, so every replica hands out the same
// ranges in the same order.
package idalloc

import "sync"

// Allocator hands out disjoint [start, end) ranges per id type.
type Allocator struct {
	mu       sync.Mutex
	counters map[string]uint64
}

// New constructs an empty Allocator.
func New() *Allocator {
	return &Allocator{counters: make(map[string]uint64)}
}

// Allocate reserves the next count ids for idType, returning the
// half-open range [start, start+count).
func (a *Allocator) Allocate(idType string, count uint64) (start, end uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	start = a.counters[idType]
	end = start + count
	a.counters[idType] = end
	return start, end
}

// Next returns the next id type's current high-water mark without
// advancing it, for diagnostics/snapshot purposes.
func (a *Allocator) Next(idType string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counters[idType]
}

// Snapshot returns a point-in-time copy of every id type's high-water
// mark, for the catch-up appState blob C10 ships to a lagging member
// that needs a full state-machine snapshot.
func (a *Allocator) Snapshot() map[string]uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]uint64, len(a.counters))
	for k, v := range a.counters {
		out[k] = v
	}
	return out
}

// Restore replaces the current counters wholesale with a snapshot
// previously produced by Snapshot, used when a member installs a full
// state-machine snapshot instead of replaying the log (spec §4.10).
func (a *Allocator) Restore(counters map[string]uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counters = make(map[string]uint64, len(counters))
	for k, v := range counters {
		a.counters[k] = v
	}
}
