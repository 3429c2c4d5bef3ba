package wire

// Status is a catch-up status code as named in spec §4.10.
type Status byte

const (
	StatusSuccessEndOfStream Status = iota
	StatusTransactionPruned
	StatusStoreIdMismatch
	StatusGeneralError
)

// GetStoreId is tag 0x20 (request half).
type GetStoreId struct{}

func (GetStoreId) Tag() Tag                          { return TagGetStoreId }
func (GetStoreId) MarshalBinary() ([]byte, error)     { return []byte{}, nil }
func (*GetStoreId) UnmarshalBinary(b []byte) error    { return nil }

// StoreIdResponse answers GetStoreId.
type StoreIdResponse struct {
	StoreId []byte
}

func (StoreIdResponse) Tag() Tag { return TagStoreIdResponse }

func (s StoreIdResponse) MarshalBinary() ([]byte, error) {
	w := newWriter(20)
	w.putBytes(s.StoreId)
	return w.bytes(), nil
}

func (s *StoreIdResponse) UnmarshalBinary(b []byte) error {
	r := newReader(b)
	s.StoreId = r.getBytes()
	return r.done()
}

// PrepareStoreCopy is tag 0x21 (request half).
type PrepareStoreCopy struct{}

func (PrepareStoreCopy) Tag() Tag                       { return TagPrepareCopy }
func (PrepareStoreCopy) MarshalBinary() ([]byte, error) { return []byte{}, nil }
func (*PrepareStoreCopy) UnmarshalBinary(b []byte) error { return nil }

// PrepareStoreCopyResponse answers PrepareStoreCopy with the file listing
// and the last committed transaction id known to the serving peer.
type PrepareStoreCopyResponse struct {
	Files    []string
	LastTxId int64
}

func (PrepareStoreCopyResponse) Tag() Tag { return TagPrepareCopyResp }

func (p PrepareStoreCopyResponse) MarshalBinary() ([]byte, error) {
	w := newWriter(32)
	w.putUint32(uint32(len(p.Files)))
	for _, f := range p.Files {
		w.putString(f)
	}
	w.putInt64(p.LastTxId)
	return w.bytes(), nil
}

func (p *PrepareStoreCopyResponse) UnmarshalBinary(b []byte) error {
	r := newReader(b)
	n := r.getUint32()
	p.Files = make([]string, 0, n)
	for i := uint32(0); i < n && r.err == nil; i++ {
		p.Files = append(p.Files, r.getString())
	}
	p.LastTxId = r.getInt64()
	return r.done()
}

// FileHeader is tag 0x22, the first frame of a per-file GetFile stream.
type FileHeader struct {
	Name              string
	RequiredAlignment uint32
}

func (FileHeader) Tag() Tag { return TagFileHeader }

func (f FileHeader) MarshalBinary() ([]byte, error) {
	w := newWriter(32)
	w.putString(f.Name)
	align := f.RequiredAlignment
	if align == 0 {
		align = 1
	}
	w.putUint32(align)
	return w.bytes(), nil
}

func (f *FileHeader) UnmarshalBinary(b []byte) error {
	r := newReader(b)
	f.Name = r.getString()
	f.RequiredAlignment = r.getUint32()
	if f.RequiredAlignment == 0 {
		f.RequiredAlignment = 1
	}
	return r.done()
}

// FileChunk is tag 0x23, a body frame of a GetFile stream.
type FileChunk struct {
	Bytes []byte
}

func (FileChunk) Tag() Tag { return TagFileChunk }

func (f FileChunk) MarshalBinary() ([]byte, error) {
	w := newWriter(8 + len(f.Bytes))
	w.putBytes(f.Bytes)
	return w.bytes(), nil
}

func (f *FileChunk) UnmarshalBinary(b []byte) error {
	r := newReader(b)
	f.Bytes = r.getBytes()
	return r.done()
}

// StoreCopyFinished is tag 0x24, closing a GetFile stream.
type StoreCopyFinished struct {
	Status Status
}

func (StoreCopyFinished) Tag() Tag { return TagStoreCopyFinish }

func (s StoreCopyFinished) MarshalBinary() ([]byte, error) {
	w := newWriter(1)
	w.putUint8(byte(s.Status))
	return w.bytes(), nil
}

func (s *StoreCopyFinished) UnmarshalBinary(b []byte) error {
	r := newReader(b)
	s.Status = Status(r.getUint8())
	return r.done()
}

// TxPullRequest is tag 0x25, opening a transaction-tail stream.
type TxPullRequest struct {
	PreviousTxId int64
	StoreId      []byte
}

func (TxPullRequest) Tag() Tag { return TagTxPullRequest }

func (t TxPullRequest) MarshalBinary() ([]byte, error) {
	w := newWriter(24)
	w.putInt64(t.PreviousTxId)
	w.putBytes(t.StoreId)
	return w.bytes(), nil
}

func (t *TxPullRequest) UnmarshalBinary(b []byte) error {
	r := newReader(b)
	t.PreviousTxId = r.getInt64()
	t.StoreId = r.getBytes()
	return r.done()
}

// TxPullResponse is tag 0x26, one transaction in the tail stream.
type TxPullResponse struct {
	TxId int64
	Tx   []byte
}

func (TxPullResponse) Tag() Tag { return TagTxPullResponse }

func (t TxPullResponse) MarshalBinary() ([]byte, error) {
	w := newWriter(16 + len(t.Tx))
	w.putInt64(t.TxId)
	w.putBytes(t.Tx)
	return w.bytes(), nil
}

func (t *TxPullResponse) UnmarshalBinary(b []byte) error {
	r := newReader(b)
	t.TxId = r.getInt64()
	t.Tx = r.getBytes()
	return r.done()
}

// TxStreamFinished is tag 0x27, closing a transaction-tail stream.
type TxStreamFinished struct {
	Status Status
}

func (TxStreamFinished) Tag() Tag { return TagTxStreamFinish }

func (t TxStreamFinished) MarshalBinary() ([]byte, error) {
	w := newWriter(1)
	w.putUint8(byte(t.Status))
	return w.bytes(), nil
}

func (t *TxStreamFinished) UnmarshalBinary(b []byte) error {
	r := newReader(b)
	t.Status = Status(r.getUint8())
	return r.done()
}

// CoreSnapshotRequest is tag 0x28 (request half).
type CoreSnapshotRequest struct{}

func (CoreSnapshotRequest) Tag() Tag                       { return TagSnapshotRequest }
func (CoreSnapshotRequest) MarshalBinary() ([]byte, error) { return []byte{}, nil }
func (*CoreSnapshotRequest) UnmarshalBinary(b []byte) error { return nil }

// Snapshot is (prevIndex, prevTerm, members, appStates) per spec §3.
type Snapshot struct {
	PrevIndex int64
	PrevTerm  uint64
	Members   [][]byte // raw 16-byte MemberId values
	AppStates map[string][]byte
}

func (s Snapshot) MarshalBinary() ([]byte, error) {
	w := newWriter(64)
	w.putInt64(s.PrevIndex)
	w.putUint64(s.PrevTerm)
	w.putUint32(uint32(len(s.Members)))
	for _, m := range s.Members {
		w.putBytes(m)
	}
	w.putUint32(uint32(len(s.AppStates)))
	for k, v := range s.AppStates {
		w.putString(k)
		w.putBytes(v)
	}
	return w.bytes(), nil
}

func (s *Snapshot) UnmarshalBinary(b []byte) error {
	r := newReader(b)
	s.PrevIndex = r.getInt64()
	s.PrevTerm = r.getUint64()
	n := r.getUint32()
	s.Members = make([][]byte, 0, n)
	for i := uint32(0); i < n && r.err == nil; i++ {
		s.Members = append(s.Members, r.getBytes())
	}
	m := r.getUint32()
	s.AppStates = make(map[string][]byte, m)
	for i := uint32(0); i < m && r.err == nil; i++ {
		k := r.getString()
		v := r.getBytes()
		s.AppStates[k] = v
	}
	return r.done()
}

// CoreSnapshotResponse is tag 0x28 (response half).
type CoreSnapshotResponse struct {
	Snapshot Snapshot
}

func (CoreSnapshotResponse) Tag() Tag { return TagSnapshotResponse }

func (c CoreSnapshotResponse) MarshalBinary() ([]byte, error) {
	b, err := c.Snapshot.MarshalBinary()
	if err != nil {
		return nil, err
	}
	w := newWriter(len(b) + 4)
	w.putBytes(b)
	return w.bytes(), nil
}

func (c *CoreSnapshotResponse) UnmarshalBinary(b []byte) error {
	r := newReader(b)
	body := r.getBytes()
	if err := r.done(); err != nil {
		return err
	}
	return c.Snapshot.UnmarshalBinary(body)
}
