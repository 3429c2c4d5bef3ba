// Package cache implements C2, the in-flight cache: a bounded, index-keyed
// cache of recently appended log entries that bridges the gap between a
// durable append and the applier observing it.
package cache

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/btmorr/leifraft/internal/wire"
)

// Cache is C2. Put/Truncate/Prune assume a single writer (the Raft loop);
// Get is safe for concurrent readers against a frozen tree snapshot.
type Cache struct {
	mu      sync.Mutex
	tree    *iradix.Tree
	enabled bool

	maxBytes int64
	bytes    int64

	hits   atomic.Int64
	misses atomic.Int64
}

// Config bounds the cache; MaxBytes <= 0 means "enabled, unbounded".
type Config struct {
	Enabled  bool
	MaxBytes int64
}

// New constructs a Cache per Config.
func New(cfg Config) *Cache {
	return &Cache{
		tree:     iradix.New(),
		enabled:  cfg.Enabled,
		maxBytes: cfg.MaxBytes,
	}
}

func indexKey(index int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(index))
	return b[:]
}

// Put records entry at index, evicting the oldest entries if doing so
// pushes the running byte sum past maxBytes. A no-op when disabled.
func (c *Cache) Put(index int64, entry wire.LogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	key := indexKey(index)
	tree, prev, existed := c.tree.Insert(key, entry)
	c.tree = tree
	if existed {
		c.bytes -= prev.(wire.LogEntry).Size()
	}
	c.bytes += entry.Size()

	if c.maxBytes > 0 {
		for c.bytes > c.maxBytes {
			it := c.tree.Root().Iterator()
			k, v, ok := it.Next()
			if !ok {
				break
			}
			c.tree, _, _ = c.tree.Delete(k)
			c.bytes -= v.(wire.LogEntry).Size()
		}
	}
}

// Get returns the entry at index and whether it was a hit. Always a miss
// when disabled, per the drain-on-disable contract (spec §9 Open
// Question, resolved toward the stricter behavior).
func (c *Cache) Get(index int64) (wire.LogEntry, bool) {
	c.mu.Lock()
	tree, enabled := c.tree, c.enabled
	c.mu.Unlock()

	if !enabled {
		c.misses.Add(1)
		return wire.LogEntry{}, false
	}
	v, ok := tree.Get(indexKey(index))
	if !ok {
		c.misses.Add(1)
		return wire.LogEntry{}, false
	}
	c.hits.Add(1)
	return v.(wire.LogEntry), true
}

// Truncate discards entries with index >= fromIndex, mirroring the log.
func (c *Cache) Truncate(fromIndex int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteRangeLocked(fromIndex, 1<<62)
}

// Prune discards entries with index <= upToIndex, mirroring the log.
func (c *Cache) Prune(upToIndex int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteRangeLocked(0, upToIndex)
}

func (c *Cache) deleteRangeLocked(fromIndex, toIndex int64) {
	it := c.tree.Root().Iterator()
	var toDelete [][]byte
	for {
		k, v, ok := it.Next()
		if !ok {
			break
		}
		idx := int64(binary.BigEndian.Uint64(k))
		if idx >= fromIndex && idx <= toIndex {
			toDelete = append(toDelete, k)
			c.bytes -= v.(wire.LogEntry).Size()
		}
	}
	for _, k := range toDelete {
		c.tree, _, _ = c.tree.Delete(k)
	}
}

// Enabled reports the cache's current enable state.
func (c *Cache) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// SetEnabled toggles the cache; disabling drains all entries immediately
// (the stricter contract adopted for spec.md's disable-after-populate open
// question).
func (c *Cache) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
	if !enabled {
		c.tree = iradix.New()
		c.bytes = 0
	}
}

// Stats reports cumulative hit/miss counters and current byte usage.
type Stats struct {
	Hits, Misses, Bytes int64
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	bytes := c.bytes
	c.mu.Unlock()
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Bytes: bytes}
}
