package catchup

import (
	"bytes"
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/btmorr/leifraft/internal/wire"
)

// fileChunkSize caps a single FileChunk frame, keeping individual gRPC
// messages small regardless of segment file size.
const fileChunkSize = 64 * 1024

// serverImpl is the inbound side of C10, serving a lagging peer's
// GetStoreId → PrepareStoreCopy → GetFile* → PullTransactions →
// CoreSnapshotRequest sequence (spec §4.10).
type serverImpl struct {
	provider Provider
	log      zerolog.Logger
}

// NewServer constructs the catch-up RPC receiver around a Provider.
func NewServer(provider Provider, log zerolog.Logger) Server {
	return &serverImpl{provider: provider, log: log.With().Str("component", "catchup-server").Logger()}
}

func (s *serverImpl) GetStoreId(ctx context.Context, in *wire.Envelope) (*wire.Envelope, error) {
	out, err := wire.Wrap(wire.StoreIdResponse{StoreId: s.provider.StoreId()})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *serverImpl) PrepareStoreCopy(ctx context.Context, in *wire.Envelope) (*wire.Envelope, error) {
	files, err := s.provider.ListFiles()
	if err != nil {
		return nil, err
	}
	out, err := wire.Wrap(wire.PrepareStoreCopyResponse{Files: files, LastTxId: s.provider.LastTxId()})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetFile requests the name carried in a FileHeader (only the Name field
// is meaningful on the request leg) and streams it back as
// FileHeader, FileChunk*, StoreCopyFinished.
func (s *serverImpl) GetFile(in *wire.Envelope, stream grpc.ServerStream) error {
	msg, err := wire.Decode(*in)
	if err != nil {
		return err
	}
	req, ok := msg.(*wire.FileHeader)
	if !ok {
		return fmt.Errorf("catchup: expected FileHeader, got %T", msg)
	}

	data, err := s.provider.ReadFile(req.Name)
	if err != nil {
		s.log.Warn().Err(err).Str("file", req.Name).Msg("requested file unavailable")
		return sendEnvelope(stream, wire.StoreCopyFinished{Status: wire.StatusGeneralError})
	}

	if err := sendEnvelope(stream, wire.FileHeader{Name: req.Name, RequiredAlignment: 1}); err != nil {
		return err
	}
	r := bytes.NewReader(data)
	buf := make([]byte, fileChunkSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := sendEnvelope(stream, wire.FileChunk{Bytes: chunk}); err != nil {
				return err
			}
		}
		if readErr != nil {
			break
		}
	}
	return sendEnvelope(stream, wire.StoreCopyFinished{Status: wire.StatusSuccessEndOfStream})
}

// PullTransactions streams the stored log entries strictly after
// req.PreviousTxId, ending with TxStreamFinished.
func (s *serverImpl) PullTransactions(in *wire.Envelope, stream grpc.ServerStream) error {
	msg, err := wire.Decode(*in)
	if err != nil {
		return err
	}
	req, ok := msg.(*wire.TxPullRequest)
	if !ok {
		return fmt.Errorf("catchup: expected TxPullRequest, got %T", msg)
	}

	if len(req.StoreId) > 0 && !bytes.Equal(req.StoreId, s.provider.StoreId()) {
		return sendEnvelope(stream, wire.TxStreamFinished{Status: wire.StatusStoreIdMismatch})
	}
	if req.PreviousTxId < s.provider.PrevIndex() {
		return sendEnvelope(stream, wire.TxStreamFinished{Status: wire.StatusTransactionPruned})
	}

	cursor := s.provider.ReadFrom(req.PreviousTxId + 1)
	defer cursor.Close()
	for {
		entry, idx, ok := cursor.Next()
		if !ok {
			break
		}
		txBytes, err := entry.MarshalBinary()
		if err != nil {
			return sendEnvelope(stream, wire.TxStreamFinished{Status: wire.StatusGeneralError})
		}
		if err := sendEnvelope(stream, wire.TxPullResponse{TxId: idx, Tx: txBytes}); err != nil {
			return err
		}
	}
	return sendEnvelope(stream, wire.TxStreamFinished{Status: wire.StatusSuccessEndOfStream})
}

func (s *serverImpl) CoreSnapshotRequest(ctx context.Context, in *wire.Envelope) (*wire.Envelope, error) {
	snap, err := s.provider.BuildSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	out, err := wire.Wrap(wire.CoreSnapshotResponse{Snapshot: snap})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func sendEnvelope(stream grpc.ServerStream, m wire.Message) error {
	env, err := wire.Wrap(m)
	if err != nil {
		return err
	}
	return stream.SendMsg(&env)
}

var _ Server = (*serverImpl)(nil)
