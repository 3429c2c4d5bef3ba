package store

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/btmorr/leifraft/internal/identity"
)

// TermRecord is the durable (term, votedFor?) pair (spec §3). It must be
// persisted before the vote it describes is transmitted (spec §4.5.5).
type TermRecord struct {
	Term     uint64
	VotedFor *identity.MemberId // nil if no vote cast this term
}

func encodeTermRecord(t TermRecord) []byte {
	b := make([]byte, 9+16)
	binary.LittleEndian.PutUint64(b[0:8], t.Term)
	if t.VotedFor == nil {
		b[8] = 0
		return b[:9]
	}
	b[8] = 1
	raw, _ := t.VotedFor.MarshalBinary()
	copy(b[9:], raw)
	return b
}

func decodeTermRecord(b []byte) (TermRecord, error) {
	if len(b) < 9 {
		return TermRecord{}, fmt.Errorf("store: short term record (%d bytes)", len(b))
	}
	rec := TermRecord{Term: binary.LittleEndian.Uint64(b[0:8])}
	if b[8] == 0 {
		return rec, nil
	}
	if len(b) < 9+16 {
		return TermRecord{}, fmt.Errorf("store: short term record vote field")
	}
	var m identity.MemberId
	if err := m.UnmarshalBinary(b[9:25]); err != nil {
		return TermRecord{}, err
	}
	rec.VotedFor = &m
	return rec, nil
}

// WriteTerm persists a TermRecord to filename, fsyncing before return.
func WriteTerm(filename string, rec TermRecord) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("store: open term file %s: %w", filename, err)
	}
	defer f.Close()
	if _, err := f.Write(encodeTermRecord(rec)); err != nil {
		return fmt.Errorf("store: write term file: %w", err)
	}
	return f.Sync()
}

// ReadTerm loads a TermRecord, returning the zero record if the file does
// not yet exist.
func ReadTerm(filename string) (TermRecord, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return TermRecord{Term: 0, VotedFor: nil}, nil
		}
		return TermRecord{}, fmt.Errorf("store: read term file %s: %w", filename, err)
	}
	return decodeTermRecord(b)
}
