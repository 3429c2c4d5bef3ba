package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/btmorr/leifraft/internal/wire"
)

// ErrTruncateBelowCommit is returned when a caller attempts to truncate
// at or below the commit index; the caller is responsible for not doing
// this (spec §4.1).
var ErrTruncateBelowCommit = fmt.Errorf("store: refusing to truncate at or below commit index")

// ErrPruneWouldDropCursor is returned when Prune would remove a segment a
// live cursor is still reading.
var ErrPruneWouldDropCursor = fmt.Errorf("store: segment still referenced by an open cursor")

// segment is one immutable-once-rolled file plus its in-memory mirror.
type segment struct {
	header  segmentHeader
	path    string
	entries []wire.LogEntry // index 0 corresponds to header.PrevIndex+1
	refs    int
}

func (s *segment) firstIndex() int64 { return s.header.PrevIndex + 1 }
func (s *segment) lastIndex() int64  { return s.header.PrevIndex + int64(len(s.entries)) }

// Store is C1: the durable, segmented, crash-safe state store.
type Store struct {
	mu           sync.Mutex
	dir          string
	maxSegBytes  int
	segments     []*segment
	nextVersion  uint64
	currentBytes int
	log          zerolog.Logger
}

// Config configures segment rolling.
type Config struct {
	Dir             string
	MaxSegmentBytes int // 0 disables rolling (single growing segment)
}

// Open loads (or creates) the segmented log under dir.
func Open(cfg Config, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir %s: %w", cfg.Dir, err)
	}
	s := &Store{dir: cfg.Dir, maxSegBytes: cfg.MaxSegmentBytes, log: log}
	if err := s.loadSegmentsLocked(); err != nil {
		return nil, err
	}
	if len(s.segments) == 0 {
		if err := s.rollSegment(0, 0); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// loadSegmentsLocked (re)reads every segment file under s.dir into memory,
// replacing whatever segments were previously loaded. Used by Open and by
// Reload once catch-up has copied in a fresh set of segment files.
func (s *Store) loadSegmentsLocked() error {
	names, err := listSegmentFiles(s.dir)
	if err != nil {
		return err
	}
	sort.Strings(names)

	var segments []*segment
	var nextVersion uint64
	for _, path := range names {
		header, entries, err := loadSegment(path)
		if err != nil {
			return fmt.Errorf("store: loading %s: %w", path, err)
		}
		segments = append(segments, &segment{header: header, path: path, entries: entries})
		if header.Version >= nextVersion {
			nextVersion = header.Version + 1
		}
	}
	s.segments = segments
	s.nextVersion = nextVersion
	s.currentBytes = 0
	if len(s.segments) > 0 {
		cur := s.current()
		for _, e := range cur.entries {
			s.currentBytes += len(encodeRecord(e))
		}
	}
	return nil
}

// Reload discards the in-memory segment list and re-reads it from disk,
// for use immediately after catch-up (C10) has written a fresh set of
// segment files directly into this store's directory. Callers must hold
// off concurrent Append/Truncate/Prune calls while reloading.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadSegmentsLocked()
}

// Dir returns the directory this store persists segment files under, for
// C10's file-listing and file-transfer legs.
func (s *Store) Dir() string { return s.dir }

// SegmentFileNames returns the base names of every segment file currently
// on disk, sorted, for C10's PrepareStoreCopy file listing.
func (s *Store) SegmentFileNames() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.segments))
	for _, seg := range s.segments {
		names = append(names, filepath.Base(seg.path))
	}
	sort.Strings(names)
	return names, nil
}

// ReadSegmentFile returns the raw bytes of a named segment file, for
// C10's per-file GetFile transfer.
func (s *Store) ReadSegmentFile(name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.dir, filepath.Base(name)))
}

// WriteSegmentFile durably writes a named segment file's raw bytes as
// received over a C10 GetFile stream. The in-memory segment list is not
// updated; callers must call Reload once every file has arrived.
func (s *Store) WriteSegmentFile(name string, data []byte) error {
	path := filepath.Join(s.dir, filepath.Base(name))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("store: creating %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("store: writing %s: %w", path, err)
	}
	return f.Sync()
}

func listSegmentFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("store: readdir %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) > len("segment.") && e.Name()[:8] == "segment." {
			out = append(out, dir+string(os.PathSeparator)+e.Name())
		}
	}
	return out, nil
}

func (s *Store) rollSegment(prevIndex int64, prevTerm uint64) error {
	version := s.nextVersion
	s.nextVersion++
	path := segmentPath(s.dir, version)
	header := segmentHeader{PrevIndex: prevIndex, PrevTerm: prevTerm, Version: version}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("store: create segment %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(encodeSegmentHeader(header)); err != nil {
		return fmt.Errorf("store: write header %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("store: fsync %s: %w", path, err)
	}

	s.segments = append(s.segments, &segment{header: header, path: path})
	s.currentBytes = 0
	return nil
}

func (s *Store) current() *segment { return s.segments[len(s.segments)-1] }

// AppendIndex returns the highest durable log index (0 if empty).
func (s *Store) AppendIndex() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current().lastIndex()
}

// PrevIndex returns the highest pruned index.
func (s *Store) PrevIndex() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segments[0].header.PrevIndex
}

// Append persists entry durably before returning, rolling to a new
// segment if the current one has grown past MaxSegmentBytes.
func (s *Store) Append(entry wire.LogEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current()
	encoded := encodeRecord(entry)

	if s.maxSegBytes > 0 && s.currentBytes > 0 && s.currentBytes+len(encoded) > s.maxSegBytes {
		if err := s.rollSegment(cur.lastIndex(), lastTermLocked(cur)); err != nil {
			return 0, err
		}
		cur = s.current()
	}

	f, err := os.OpenFile(cur.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("store: open %s for append: %w", cur.path, err)
	}
	defer f.Close()
	if _, err := f.Write(encoded); err != nil {
		return 0, fmt.Errorf("store: append write: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("store: append fsync: %w", err)
	}

	cur.entries = append(cur.entries, entry)
	s.currentBytes += len(encoded)
	return cur.lastIndex(), nil
}

func lastTermLocked(seg *segment) uint64 {
	if len(seg.entries) == 0 {
		return seg.header.PrevTerm
	}
	return seg.entries[len(seg.entries)-1].Term
}

// LastTerm returns the term recorded at AppendIndex (0 if the log is
// empty), for snapshot assembly (C10).
func (s *Store) LastTerm() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lastTermLocked(s.current())
}

// ReadEntry returns the entry at index, or ok=false if out of range.
func (s *Store) ReadEntry(index int64) (wire.LogEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seg := range s.segments {
		if index >= seg.firstIndex() && index <= seg.lastIndex() {
			return seg.entries[index-seg.firstIndex()], true
		}
	}
	return wire.LogEntry{}, false
}

// Truncate discards entries with index >= fromIndex. Refuses to truncate
// at or below commitIndex (caller-supplied, per spec §4.1).
func (s *Store) Truncate(fromIndex, commitIndex int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fromIndex <= commitIndex {
		return ErrTruncateBelowCommit
	}

	for i := len(s.segments) - 1; i >= 0; i-- {
		seg := s.segments[i]
		if fromIndex > seg.lastIndex() {
			break
		}
		if fromIndex <= seg.firstIndex() {
			// drop this whole segment (unless it's the only one, which we
			// truncate to empty rather than delete, keeping >=1 segment).
			if len(s.segments) == 1 {
				seg.entries = nil
				if err := s.rewriteSegment(seg); err != nil {
					return err
				}
				break
			}
			if err := os.Remove(seg.path); err != nil {
				return fmt.Errorf("store: removing %s: %w", seg.path, err)
			}
			s.segments = s.segments[:i]
			continue
		}
		keep := int(fromIndex - seg.firstIndex())
		seg.entries = seg.entries[:keep]
		if err := s.rewriteSegment(seg); err != nil {
			return err
		}
		break
	}
	return nil
}

// rewriteSegment rewrites a segment file from its in-memory entries,
// durably, after an in-place truncation.
func (s *Store) rewriteSegment(seg *segment) error {
	f, err := os.OpenFile(seg.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("store: rewrite %s: %w", seg.path, err)
	}
	defer f.Close()
	if _, err := f.Write(encodeSegmentHeader(seg.header)); err != nil {
		return err
	}
	for _, e := range seg.entries {
		if _, err := f.Write(encodeRecord(e)); err != nil {
			return err
		}
	}
	return f.Sync()
}

// Prune removes whole segments whose last index <= upToIndex, refusing to
// drop the segment containing upToIndex+1, and refusing to drop any
// segment a live cursor still references.
func (s *Store) Prune(upToIndex int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keep []*segment
	for _, seg := range s.segments {
		if seg.lastIndex() <= upToIndex && seg.lastIndex() < upToIndex+1 {
			if seg.refs > 0 {
				return ErrPruneWouldDropCursor
			}
			if err := os.Remove(seg.path); err != nil {
				return fmt.Errorf("store: pruning %s: %w", seg.path, err)
			}
			continue
		}
		keep = append(keep, seg)
	}
	if len(keep) == 0 {
		// never drop below one segment; keep the last one as-is.
		keep = s.segments[len(s.segments)-1:]
	}
	s.segments = keep
	return nil
}

// Cursor streams entries from index onward; while open it pins the
// segment containing its current position so Prune defers on it.
type Cursor struct {
	s             *Store
	next          int64
	pinnedVersion int64 // -1 when nothing is pinned
	closed        bool
}

// ReadFrom opens a reference-counted cursor starting at index.
func (s *Store) ReadFrom(index int64) *Cursor {
	c := &Cursor{s: s, next: index, pinnedVersion: -1}
	s.mu.Lock()
	c.repin()
	s.mu.Unlock()
	return c
}

// repin must be called with s.mu held; it moves the cursor's pin to
// whichever segment currently contains c.next.
func (c *Cursor) repin() {
	c.unpinLocked()
	for _, seg := range c.s.segments {
		if c.next >= seg.firstIndex() && c.next <= seg.lastIndex()+1 {
			seg.refs++
			c.pinnedVersion = int64(seg.header.Version)
			return
		}
	}
}

func (c *Cursor) unpinLocked() {
	if c.pinnedVersion < 0 {
		return
	}
	for _, seg := range c.s.segments {
		if int64(seg.header.Version) == c.pinnedVersion {
			seg.refs--
			break
		}
	}
	c.pinnedVersion = -1
}

// Next returns the next entry and advances the cursor, or ok=false when
// caught up to the append index.
func (c *Cursor) Next() (wire.LogEntry, int64, bool) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	for _, seg := range c.s.segments {
		if c.next >= seg.firstIndex() && c.next <= seg.lastIndex() {
			idx := c.next
			e := seg.entries[idx-seg.firstIndex()]
			c.next++
			if int64(seg.header.Version) != c.pinnedVersion {
				c.repin()
			}
			return e, idx, true
		}
	}
	return wire.LogEntry{}, 0, false
}

// Close releases the cursor's pin on its current segment.
func (c *Cursor) Close() {
	if c.closed {
		return
	}
	c.s.mu.Lock()
	c.unpinLocked()
	c.s.mu.Unlock()
	c.closed = true
}
