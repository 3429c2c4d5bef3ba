// Package store implements C1, the durable state store: append-only
// segmented storage of the Raft log plus the term/vote record, with safe
// truncation and pruning.
package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/btmorr/leifraft/internal/wire"
)

// segmentHeaderSize is the fixed-size header written at the front of
// every segment file: prevIndex, prevTerm, version (each uint64).
const segmentHeaderSize = 24

type segmentHeader struct {
	PrevIndex int64
	PrevTerm  uint64
	Version   uint64
}

func encodeSegmentHeader(h segmentHeader) []byte {
	b := make([]byte, segmentHeaderSize)
	binary.LittleEndian.PutUint64(b[0:8], uint64(h.PrevIndex))
	binary.LittleEndian.PutUint64(b[8:16], h.PrevTerm)
	binary.LittleEndian.PutUint64(b[16:24], h.Version)
	return b
}

func decodeSegmentHeader(b []byte) (segmentHeader, error) {
	if len(b) < segmentHeaderSize {
		return segmentHeader{}, fmt.Errorf("store: short segment header (%d bytes)", len(b))
	}
	return segmentHeader{
		PrevIndex: int64(binary.LittleEndian.Uint64(b[0:8])),
		PrevTerm:  binary.LittleEndian.Uint64(b[8:16]),
		Version:   binary.LittleEndian.Uint64(b[16:24]),
	}, nil
}

// record is one on-disk log entry: (term, contentLen, content, crc32).
// The checksum covers term+content so a torn write at the tail is
// detectable on reopen (spec §4.1 failure modes).
func encodeRecord(e wire.LogEntry) []byte {
	body := make([]byte, 8+4+len(e.Content))
	binary.LittleEndian.PutUint64(body[0:8], e.Term)
	binary.LittleEndian.PutUint32(body[8:12], uint32(len(e.Content)))
	copy(body[12:], e.Content)
	sum := crc32.ChecksumIEEE(body)
	out := make([]byte, len(body)+4)
	copy(out, body)
	binary.LittleEndian.PutUint32(out[len(body):], sum)
	return out
}

// readRecord reads exactly one record from r, returning io.EOF cleanly at
// a segment boundary and a non-EOF error for a torn/corrupt tail. n is the
// number of bytes the record occupies on disk, valid only when err is nil.
func readRecord(r io.Reader) (e wire.LogEntry, n int64, err error) {
	var head [12]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return wire.LogEntry{}, 0, err
	}
	term := binary.LittleEndian.Uint64(head[0:8])
	contentLen := binary.LittleEndian.Uint32(head[8:12])
	content := make([]byte, contentLen)
	if _, err := io.ReadFull(r, content); err != nil {
		return wire.LogEntry{}, 0, fmt.Errorf("store: torn record body: %w", err)
	}
	var sumBuf [4]byte
	if _, err := io.ReadFull(r, sumBuf[:]); err != nil {
		return wire.LogEntry{}, 0, fmt.Errorf("store: torn record trailer: %w", err)
	}
	want := binary.LittleEndian.Uint32(sumBuf[:])
	body := make([]byte, 12+len(content))
	copy(body, head[:])
	copy(body[12:], content)
	if got := crc32.ChecksumIEEE(body); got != want {
		return wire.LogEntry{}, 0, fmt.Errorf("store: checksum mismatch (torn tail)")
	}
	return wire.LogEntry{Term: term, Content: content}, int64(len(body) + 4), nil
}

func segmentPath(dir string, version uint64) string {
	return filepath.Join(dir, fmt.Sprintf("segment.%020d", version))
}

// loadSegment reads a segment file fully, truncating a torn tail rather
// than failing to open (spec §4.1): any bytes past the last complete,
// checksum-valid record are physically discarded from the file so a
// subsequent O_APPEND write lands right after the last good record
// instead of after leftover garbage.
func loadSegment(path string) (segmentHeader, []wire.LogEntry, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return segmentHeader{}, nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var headBuf [segmentHeaderSize]byte
	if _, err := io.ReadFull(br, headBuf[:]); err != nil {
		return segmentHeader{}, nil, fmt.Errorf("store: reading header of %s: %w", path, err)
	}
	header, err := decodeSegmentHeader(headBuf[:])
	if err != nil {
		return segmentHeader{}, nil, err
	}

	var entries []wire.LogEntry
	validOffset := int64(segmentHeaderSize)
	for {
		e, n, err := readRecord(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			// torn tail: discard the partial record on disk, keeping only
			// the complete records read so far.
			if terr := f.Truncate(validOffset); terr != nil {
				return segmentHeader{}, nil, fmt.Errorf("store: truncating torn tail of %s: %w", path, terr)
			}
			break
		}
		entries = append(entries, e)
		validOffset += n
	}
	return header, entries, nil
}
