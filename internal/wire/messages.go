package wire

import (
	"fmt"

	"github.com/btmorr/leifraft/internal/identity"
)

// Tag identifies a message's wire type, matching the table in spec §6.
type Tag byte

const (
	TagVoteRequest      Tag = 0x01
	TagVoteResponse     Tag = 0x02
	TagAppendEntries    Tag = 0x03
	TagAppendResponse   Tag = 0x04
	TagHeartbeat        Tag = 0x05
	TagPruneRequest     Tag = 0x06
	TagHello            Tag = 0x10
	TagSwitchover       Tag = 0x11
	TagGetStoreId       Tag = 0x20
	TagStoreIdResponse  Tag = 0x20 | 0x80
	TagPrepareCopy      Tag = 0x21
	TagPrepareCopyResp  Tag = 0x21 | 0x80
	TagFileHeader       Tag = 0x22
	TagFileChunk        Tag = 0x23
	TagStoreCopyFinish  Tag = 0x24
	TagTxPullRequest    Tag = 0x25
	TagTxPullResponse   Tag = 0x26
	TagTxStreamFinish   Tag = 0x27
	TagSnapshotRequest  Tag = 0x28
	TagSnapshotResponse Tag = 0x28 | 0x80
)

// Message is implemented by every wire payload type.
type Message interface {
	Tag() Tag
	MarshalBinary() ([]byte, error)
	UnmarshalBinary([]byte) error
}

// Envelope is the framed unit exchanged over the transport, matching
// spec §6: [length:u32][typeTag:u8][payload]. No ClusterId prefix is
// framed around it at the connection level; Raft messages carry their
// cluster id as a field of the message itself.
type Envelope struct {
	Tag     Tag
	Payload []byte
}

// Encode renders an Envelope to the wire form documented in spec §6.
func (e Envelope) Encode() []byte {
	w := newWriter(5 + len(e.Payload))
	w.putUint32(uint32(1 + len(e.Payload)))
	w.putUint8(byte(e.Tag))
	w.buf = append(w.buf, e.Payload...)
	return w.bytes()
}

// DecodeEnvelope parses one framed envelope from the front of b, returning
// the envelope, the number of bytes consumed, and whether a full frame was
// available.
func DecodeEnvelope(b []byte) (Envelope, int, bool) {
	if len(b) < 4 {
		return Envelope{}, 0, false
	}
	r := newReader(b)
	n := r.getUint32()
	total := 4 + int(n)
	if len(b) < total || n < 1 {
		return Envelope{}, 0, false
	}
	tag := Tag(b[4])
	payload := make([]byte, n-1)
	copy(payload, b[5:total])
	return Envelope{Tag: tag, Payload: payload}, total, true
}

// Wrap marshals a Message into its framed Envelope.
func Wrap(m Message) (Envelope, error) {
	p, err := m.MarshalBinary()
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Tag: m.Tag(), Payload: p}, nil
}

// LogEntry is one (term, content) pair in the durable Raft log.
type LogEntry struct {
	Term    uint64
	Content []byte
}

func (e LogEntry) MarshalBinary() ([]byte, error) {
	w := newWriter(12 + len(e.Content))
	w.putUint64(e.Term)
	w.putBytes(e.Content)
	return w.bytes(), nil
}

func (e *LogEntry) UnmarshalBinary(b []byte) error {
	r := newReader(b)
	e.Term = r.getUint64()
	e.Content = r.getBytes()
	return r.done()
}

// Size returns the logical byte size charged against the in-flight
// cache's byte budget.
func (e LogEntry) Size() int64 { return int64(len(e.Content)) + 8 }

func encodeEntries(w *writer, entries []LogEntry) {
	w.putUint32(uint32(len(entries)))
	for _, e := range entries {
		b, _ := e.MarshalBinary()
		w.putBytes(b)
	}
}

func decodeEntries(r *reader) []LogEntry {
	n := r.getUint32()
	out := make([]LogEntry, 0, n)
	for i := uint32(0); i < n && r.err == nil; i++ {
		b := r.getBytes()
		var e LogEntry
		if err := e.UnmarshalBinary(b); err != nil {
			r.err = err
			break
		}
		out = append(out, e)
	}
	return out
}

// VoteRequest is tag 0x01.
type VoteRequest struct {
	Term         uint64
	ClusterId    identity.ClusterId
	CandidateId  identity.MemberId
	LastLogIndex int64
	LastLogTerm  uint64
}

func (VoteRequest) Tag() Tag { return TagVoteRequest }

func (v VoteRequest) MarshalBinary() ([]byte, error) {
	w := newWriter(56)
	w.putUint64(v.Term)
	clb, _ := v.ClusterId.MarshalBinary()
	w.putBytes(clb)
	cid, _ := v.CandidateId.MarshalBinary()
	w.putBytes(cid)
	w.putInt64(v.LastLogIndex)
	w.putUint64(v.LastLogTerm)
	return w.bytes(), nil
}

func (v *VoteRequest) UnmarshalBinary(b []byte) error {
	r := newReader(b)
	v.Term = r.getUint64()
	clb := r.getBytes()
	if r.err == nil {
		if err := v.ClusterId.UnmarshalBinary(clb); err != nil {
			return err
		}
	}
	cid := r.getBytes()
	if r.err == nil {
		if err := v.CandidateId.UnmarshalBinary(cid); err != nil {
			return err
		}
	}
	v.LastLogIndex = r.getInt64()
	v.LastLogTerm = r.getUint64()
	return r.done()
}

// VoteResponse is tag 0x02.
type VoteResponse struct {
	Term    uint64
	Granted bool
	Voter   identity.MemberId
}

func (VoteResponse) Tag() Tag { return TagVoteResponse }

func (v VoteResponse) MarshalBinary() ([]byte, error) {
	w := newWriter(32)
	w.putUint64(v.Term)
	w.putBool(v.Granted)
	vb, _ := v.Voter.MarshalBinary()
	w.putBytes(vb)
	return w.bytes(), nil
}

func (v *VoteResponse) UnmarshalBinary(b []byte) error {
	r := newReader(b)
	v.Term = r.getUint64()
	v.Granted = r.getBool()
	vb := r.getBytes()
	if r.err == nil {
		if err := v.Voter.UnmarshalBinary(vb); err != nil {
			return err
		}
	}
	return r.done()
}

// AppendEntries is tag 0x03.
type AppendEntries struct {
	Term         uint64
	ClusterId    identity.ClusterId
	LeaderId     identity.MemberId
	PrevIndex    int64
	PrevTerm     uint64
	Entries      []LogEntry
	LeaderCommit int64
}

func (AppendEntries) Tag() Tag { return TagAppendEntries }

func (a AppendEntries) MarshalBinary() ([]byte, error) {
	w := newWriter(80)
	w.putUint64(a.Term)
	clb, _ := a.ClusterId.MarshalBinary()
	w.putBytes(clb)
	lb, _ := a.LeaderId.MarshalBinary()
	w.putBytes(lb)
	w.putInt64(a.PrevIndex)
	w.putUint64(a.PrevTerm)
	encodeEntries(w, a.Entries)
	w.putInt64(a.LeaderCommit)
	return w.bytes(), nil
}

func (a *AppendEntries) UnmarshalBinary(b []byte) error {
	r := newReader(b)
	a.Term = r.getUint64()
	clb := r.getBytes()
	if r.err == nil {
		if err := a.ClusterId.UnmarshalBinary(clb); err != nil {
			return err
		}
	}
	lb := r.getBytes()
	if r.err == nil {
		if err := a.LeaderId.UnmarshalBinary(lb); err != nil {
			return err
		}
	}
	a.PrevIndex = r.getInt64()
	a.PrevTerm = r.getUint64()
	a.Entries = decodeEntries(r)
	a.LeaderCommit = r.getInt64()
	return r.done()
}

// AppendResponse is tag 0x04.
type AppendResponse struct {
	Term        uint64
	Success     bool
	MatchIndex  int64
	AppendIndex int64
}

func (AppendResponse) Tag() Tag { return TagAppendResponse }

func (a AppendResponse) MarshalBinary() ([]byte, error) {
	w := newWriter(32)
	w.putUint64(a.Term)
	w.putBool(a.Success)
	w.putInt64(a.MatchIndex)
	w.putInt64(a.AppendIndex)
	return w.bytes(), nil
}

func (a *AppendResponse) UnmarshalBinary(b []byte) error {
	r := newReader(b)
	a.Term = r.getUint64()
	a.Success = r.getBool()
	a.MatchIndex = r.getInt64()
	a.AppendIndex = r.getInt64()
	return r.done()
}

// Heartbeat is tag 0x05.
type Heartbeat struct {
	Term            uint64
	ClusterId       identity.ClusterId
	LeaderId        identity.MemberId
	LeaderCommit    int64
	CommitIndexTerm uint64
}

func (Heartbeat) Tag() Tag { return TagHeartbeat }

func (h Heartbeat) MarshalBinary() ([]byte, error) {
	w := newWriter(56)
	w.putUint64(h.Term)
	clb, _ := h.ClusterId.MarshalBinary()
	w.putBytes(clb)
	lb, _ := h.LeaderId.MarshalBinary()
	w.putBytes(lb)
	w.putInt64(h.LeaderCommit)
	w.putUint64(h.CommitIndexTerm)
	return w.bytes(), nil
}

func (h *Heartbeat) UnmarshalBinary(b []byte) error {
	r := newReader(b)
	h.Term = r.getUint64()
	clb := r.getBytes()
	if r.err == nil {
		if err := h.ClusterId.UnmarshalBinary(clb); err != nil {
			return err
		}
	}
	lb := r.getBytes()
	if r.err == nil {
		if err := h.LeaderId.UnmarshalBinary(lb); err != nil {
			return err
		}
	}
	h.LeaderCommit = r.getInt64()
	h.CommitIndexTerm = r.getUint64()
	return r.done()
}

// PruneRequest is tag 0x06.
type PruneRequest struct {
	UpToIndex int64
}

func (PruneRequest) Tag() Tag { return TagPruneRequest }

func (p PruneRequest) MarshalBinary() ([]byte, error) {
	w := newWriter(8)
	w.putInt64(p.UpToIndex)
	return w.bytes(), nil
}

func (p *PruneRequest) UnmarshalBinary(b []byte) error {
	r := newReader(b)
	p.UpToIndex = r.getInt64()
	return r.done()
}

// Hello is tag 0x10, the first half of the transport version handshake.
// It also carries the caller's identity, which the receiving transport
// server logs.
type Hello struct {
	SenderMemberId       identity.MemberId
	SenderClusterId      identity.ClusterId
	SupportedAppVersions []uint32
	SupportedModifiers   []string
}

func (Hello) Tag() Tag { return TagHello }

func (h Hello) MarshalBinary() ([]byte, error) {
	w := newWriter(48)
	mb, _ := h.SenderMemberId.MarshalBinary()
	w.putBytes(mb)
	cb, _ := h.SenderClusterId.MarshalBinary()
	w.putBytes(cb)
	w.putUint32(uint32(len(h.SupportedAppVersions)))
	for _, v := range h.SupportedAppVersions {
		w.putUint32(v)
	}
	w.putUint32(uint32(len(h.SupportedModifiers)))
	for _, m := range h.SupportedModifiers {
		w.putString(m)
	}
	return w.bytes(), nil
}

func (h *Hello) UnmarshalBinary(b []byte) error {
	r := newReader(b)
	mb := r.getBytes()
	if r.err == nil {
		if err := h.SenderMemberId.UnmarshalBinary(mb); err != nil {
			return err
		}
	}
	cb := r.getBytes()
	if r.err == nil {
		if err := h.SenderClusterId.UnmarshalBinary(cb); err != nil {
			return err
		}
	}
	n := r.getUint32()
	h.SupportedAppVersions = make([]uint32, 0, n)
	for i := uint32(0); i < n && r.err == nil; i++ {
		h.SupportedAppVersions = append(h.SupportedAppVersions, r.getUint32())
	}
	m := r.getUint32()
	h.SupportedModifiers = make([]string, 0, m)
	for i := uint32(0); i < m && r.err == nil; i++ {
		h.SupportedModifiers = append(h.SupportedModifiers, r.getString())
	}
	return r.done()
}

// Switchover is tag 0x11, completing the version handshake.
type Switchover struct {
	ResponderMemberId identity.MemberId
	ChosenAppVersion  uint32
	ChosenModifiers   []string
}

func (Switchover) Tag() Tag { return TagSwitchover }

func (s Switchover) MarshalBinary() ([]byte, error) {
	w := newWriter(32)
	rb, _ := s.ResponderMemberId.MarshalBinary()
	w.putBytes(rb)
	w.putUint32(s.ChosenAppVersion)
	w.putUint32(uint32(len(s.ChosenModifiers)))
	for _, m := range s.ChosenModifiers {
		w.putString(m)
	}
	return w.bytes(), nil
}

func (s *Switchover) UnmarshalBinary(b []byte) error {
	r := newReader(b)
	rb := r.getBytes()
	if r.err == nil {
		if err := s.ResponderMemberId.UnmarshalBinary(rb); err != nil {
			return err
		}
	}
	s.ChosenAppVersion = r.getUint32()
	n := r.getUint32()
	s.ChosenModifiers = make([]string, 0, n)
	for i := uint32(0); i < n && r.err == nil; i++ {
		s.ChosenModifiers = append(s.ChosenModifiers, r.getString())
	}
	return r.done()
}

// Decode dispatches on tag to produce the concrete Message for an Envelope.
func Decode(e Envelope) (Message, error) {
	var m Message
	switch e.Tag {
	case TagVoteRequest:
		m = &VoteRequest{}
	case TagVoteResponse:
		m = &VoteResponse{}
	case TagAppendEntries:
		m = &AppendEntries{}
	case TagAppendResponse:
		m = &AppendResponse{}
	case TagHeartbeat:
		m = &Heartbeat{}
	case TagPruneRequest:
		m = &PruneRequest{}
	case TagHello:
		m = &Hello{}
	case TagSwitchover:
		m = &Switchover{}
	case TagGetStoreId:
		m = &GetStoreId{}
	case TagStoreIdResponse:
		m = &StoreIdResponse{}
	case TagPrepareCopy:
		m = &PrepareStoreCopy{}
	case TagPrepareCopyResp:
		m = &PrepareStoreCopyResponse{}
	case TagFileHeader:
		m = &FileHeader{}
	case TagFileChunk:
		m = &FileChunk{}
	case TagStoreCopyFinish:
		m = &StoreCopyFinished{}
	case TagTxPullRequest:
		m = &TxPullRequest{}
	case TagTxPullResponse:
		m = &TxPullResponse{}
	case TagTxStreamFinish:
		m = &TxStreamFinished{}
	case TagSnapshotRequest:
		m = &CoreSnapshotRequest{}
	case TagSnapshotResponse:
		m = &CoreSnapshotResponse{}
	default:
		return nil, fmt.Errorf("wire: unknown tag %#x", e.Tag)
	}
	if err := m.UnmarshalBinary(e.Payload); err != nil {
		return nil, err
	}
	return m, nil
}
