package wire

import "fmt"

// ContentTag identifies how a LogEntry's opaque Content should be decoded
// by the applier (spec §4.11). Content is itself a tagged envelope: the
// first byte names the content type, the rest is that type's explicit
// encoding — the same "length written first so unknown tags can be
// skipped" discipline spec §9 asks for.
type ContentTag byte

const (
	ContentTransaction ContentTag = iota
	ContentTokenCreate
	ContentIdAllocation
	ContentLockTokenAcquire
	ContentMemberSet
	ContentSessionTrack
	ContentDummy
)

// Session identifies a replication client for idempotent retries.
type Session struct {
	GlobalSessionId []byte
	LocalSessionId  int64
}

func (s Session) marshalInto(w *writer) {
	w.putBytes(s.GlobalSessionId)
	w.putInt64(s.LocalSessionId)
}

func decodeSession(r *reader) Session {
	return Session{GlobalSessionId: r.getBytes(), LocalSessionId: r.getInt64()}
}

// DistributedOperation wraps every client-originated log entry (spec
// §4.8): the caller's opaque value plus the session/sequence metadata
// needed for duplicate suppression.
type DistributedOperation struct {
	Value       []byte
	Session     Session
	SequenceNum int64
	OperationId []byte
}

// EncodeContent renders a DistributedOperation's payload as ContentTransaction.
func (d DistributedOperation) EncodeContent() []byte {
	w := newWriter(32 + len(d.Value))
	w.putUint8(byte(ContentTransaction))
	w.putBytes(d.Value)
	d.Session.marshalInto(w)
	w.putInt64(d.SequenceNum)
	w.putBytes(d.OperationId)
	return w.bytes()
}

func DecodeDistributedOperation(content []byte) (DistributedOperation, error) {
	r := newReader(content)
	tag := ContentTag(r.getUint8())
	if tag != ContentTransaction {
		return DistributedOperation{}, fmt.Errorf("wire: expected transaction content, got tag %d", tag)
	}
	var d DistributedOperation
	d.Value = r.getBytes()
	d.Session = decodeSession(r)
	d.SequenceNum = r.getInt64()
	d.OperationId = r.getBytes()
	return d, r.done()
}

// MemberChange is the content of a single-member add/remove log entry
// (§4.5 [EXPANSION]).
type MemberChange struct {
	Add    []byte // 16-byte MemberId, or nil
	Remove []byte // 16-byte MemberId, or nil
}

func (m MemberChange) EncodeContent() []byte {
	w := newWriter(40)
	w.putUint8(byte(ContentMemberSet))
	w.putOptionalBytes(m.Add)
	w.putOptionalBytes(m.Remove)
	return w.bytes()
}

func DecodeMemberChange(content []byte) (MemberChange, error) {
	r := newReader(content)
	tag := ContentTag(r.getUint8())
	if tag != ContentMemberSet {
		return MemberChange{}, fmt.Errorf("wire: expected member-set content, got tag %d", tag)
	}
	var m MemberChange
	m.Add = r.getOptionalBytes()
	m.Remove = r.getOptionalBytes()
	return m, r.done()
}

// DummyContent builds a no-op commit-forcing entry (§4.11 [EXPANSION]).
func DummyContent() []byte {
	return []byte{byte(ContentDummy)}
}

// PeekContentTag reads only the leading tag byte, letting the applier
// route without a full decode.
func PeekContentTag(content []byte) (ContentTag, error) {
	if len(content) == 0 {
		return 0, fmt.Errorf("wire: empty content")
	}
	return ContentTag(content[0]), nil
}

// IdAllocationRequest asks for n ids of a given type (§4.11).
type IdAllocationRequest struct {
	IdType string
	Count  uint64
}

func (i IdAllocationRequest) EncodeContent() []byte {
	w := newWriter(32)
	w.putUint8(byte(ContentIdAllocation))
	w.putString(i.IdType)
	w.putUint64(i.Count)
	return w.bytes()
}

func DecodeIdAllocationRequest(content []byte) (IdAllocationRequest, error) {
	r := newReader(content)
	tag := ContentTag(r.getUint8())
	if tag != ContentIdAllocation {
		return IdAllocationRequest{}, fmt.Errorf("wire: expected id-allocation content, got tag %d", tag)
	}
	var i IdAllocationRequest
	i.IdType = r.getString()
	i.Count = r.getUint64()
	return i, r.done()
}

// LockTokenAcquire requests a lock token for a named lock (§4.11).
type LockTokenAcquire struct {
	LockName  string
	SessionId []byte
}

func (l LockTokenAcquire) EncodeContent() []byte {
	w := newWriter(32)
	w.putUint8(byte(ContentLockTokenAcquire))
	w.putString(l.LockName)
	w.putBytes(l.SessionId)
	return w.bytes()
}

func DecodeLockTokenAcquire(content []byte) (LockTokenAcquire, error) {
	r := newReader(content)
	tag := ContentTag(r.getUint8())
	if tag != ContentLockTokenAcquire {
		return LockTokenAcquire{}, fmt.Errorf("wire: expected lock-token content, got tag %d", tag)
	}
	var l LockTokenAcquire
	l.LockName = r.getString()
	l.SessionId = r.getBytes()
	return l, r.done()
}

// TokenCreate records creation of an opaque security/session token.
type TokenCreate struct {
	TokenId []byte
	Blob    []byte
}

func (t TokenCreate) EncodeContent() []byte {
	w := newWriter(32 + len(t.Blob))
	w.putUint8(byte(ContentTokenCreate))
	w.putBytes(t.TokenId)
	w.putBytes(t.Blob)
	return w.bytes()
}

func DecodeTokenCreate(content []byte) (TokenCreate, error) {
	r := newReader(content)
	tag := ContentTag(r.getUint8())
	if tag != ContentTokenCreate {
		return TokenCreate{}, fmt.Errorf("wire: expected token-create content, got tag %d", tag)
	}
	var t TokenCreate
	t.TokenId = r.getBytes()
	t.Blob = r.getBytes()
	return t, r.done()
}

// SessionTrack records a session's applied sequence number directly,
// without an accompanying transaction (used for session-only heartbeats).
type SessionTrack struct {
	Session     Session
	SequenceNum int64
}

func (s SessionTrack) EncodeContent() []byte {
	w := newWriter(32)
	w.putUint8(byte(ContentSessionTrack))
	s.Session.marshalInto(w)
	w.putInt64(s.SequenceNum)
	return w.bytes()
}

func DecodeSessionTrack(content []byte) (SessionTrack, error) {
	r := newReader(content)
	tag := ContentTag(r.getUint8())
	if tag != ContentSessionTrack {
		return SessionTrack{}, fmt.Errorf("wire: expected session-track content, got tag %d", tag)
	}
	var s SessionTrack
	s.Session = decodeSession(r)
	s.SequenceNum = r.getInt64()
	return s, r.done()
}
