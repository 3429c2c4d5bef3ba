package catchup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/btmorr/leifraft/internal/store"
	"github.com/btmorr/leifraft/internal/wire"
)

// ErrStoreIdMismatch is fatal: the local store cannot serve this cluster
// (spec §7's StoreIdMismatch), so the caller must not retry.
var ErrStoreIdMismatch = errors.New("catchup: local store id does not match remote")

// ErrBudgetExceeded is returned when MaximumTotalTime elapses before
// catch-up completes.
var ErrBudgetExceeded = errors.New("catchup: maximum total time exceeded")

// Installer is the local-side counterpart of Provider: where the pulled
// files, transactions, and (if needed) snapshot get written.
type Installer interface {
	StoreId() []byte
	AppendIndex() int64
	WriteFile(name string, data []byte) error
	Reload() error
	AppendEntry(entry wire.LogEntry) (int64, error)
	InstallSnapshot(ctx context.Context, snap wire.Snapshot) error
}

// StoreInstaller adapts a durable store into an Installer, delegating
// snapshot installation (which touches applier/consensus state the
// catchup package doesn't own) to an injected closure.
type StoreInstaller struct {
	Store      *store.Store
	LocalId    []byte // this node's known store id, nil if not yet bound
	OnSnapshot func(ctx context.Context, snap wire.Snapshot) error
}

func (i *StoreInstaller) StoreId() []byte   { return i.LocalId }
func (i *StoreInstaller) AppendIndex() int64 { return i.Store.AppendIndex() }
func (i *StoreInstaller) WriteFile(name string, data []byte) error {
	return i.Store.WriteSegmentFile(name, data)
}
func (i *StoreInstaller) Reload() error { return i.Store.Reload() }
func (i *StoreInstaller) AppendEntry(entry wire.LogEntry) (int64, error) {
	return i.Store.Append(entry)
}
func (i *StoreInstaller) InstallSnapshot(ctx context.Context, snap wire.Snapshot) error {
	if i.OnSnapshot == nil {
		return fmt.Errorf("catchup: no snapshot installer configured")
	}
	return i.OnSnapshot(ctx, snap)
}

var _ Installer = (*StoreInstaller)(nil)

// Config tunes a Puller's retry loop.
type Config struct {
	MaximumTotalTime time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
}

// Puller drives the client half of C10 against one peer connection.
type Puller struct {
	rpc       *Client
	installer Installer
	cfg       Config
	log       zerolog.Logger
}

// NewPuller builds a Puller against an already-established connection
// (typically shared with the peer's internal/transport link).
func NewPuller(cc grpc.ClientConnInterface, installer Installer, cfg Config, log zerolog.Logger) *Puller {
	if cfg.MaximumTotalTime == 0 {
		cfg.MaximumTotalTime = 2 * time.Minute
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	return &Puller{
		rpc:       NewClient(cc),
		installer: installer,
		cfg:       cfg,
		log:       log.With().Str("component", "catchup-client").Logger(),
	}
}

// Run executes the full GetStoreId → PrepareStoreCopy → GetFile* →
// PullTransactions → (CoreSnapshotRequest) sequence, retrying recoverable
// failures with exponential backoff until MaximumTotalTime elapses.
func (p *Puller) Run(ctx context.Context) error {
	deadline := time.Now().Add(p.cfg.MaximumTotalTime)
	backoff := p.cfg.InitialBackoff
	for {
		if time.Now().After(deadline) {
			return ErrBudgetExceeded
		}
		err := p.attempt(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrStoreIdMismatch) {
			return err
		}
		p.log.Debug().Err(err).Msg("catch-up attempt failed, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > p.cfg.MaxBackoff {
			backoff = p.cfg.MaxBackoff
		}
	}
}

func (p *Puller) attempt(ctx context.Context) error {
	idEnv, err := wire.Wrap(wire.GetStoreId{})
	if err != nil {
		return err
	}
	idResp, err := p.rpc.GetStoreId(ctx, &idEnv)
	if err != nil {
		return fmt.Errorf("catchup: GetStoreId: %w", err)
	}
	idMsg, err := wire.Decode(*idResp)
	if err != nil {
		return err
	}
	remoteId, ok := idMsg.(*wire.StoreIdResponse)
	if !ok {
		return fmt.Errorf("catchup: expected StoreIdResponse, got %T", idMsg)
	}
	if local := p.installer.StoreId(); len(local) > 0 && !bytes.Equal(local, remoteId.StoreId) {
		return ErrStoreIdMismatch
	}

	prepEnv, err := wire.Wrap(wire.PrepareStoreCopy{})
	if err != nil {
		return err
	}
	prepResp, err := p.rpc.PrepareStoreCopy(ctx, &prepEnv)
	if err != nil {
		return fmt.Errorf("catchup: PrepareStoreCopy: %w", err)
	}
	prepMsg, err := wire.Decode(*prepResp)
	if err != nil {
		return err
	}
	prep, ok := prepMsg.(*wire.PrepareStoreCopyResponse)
	if !ok {
		return fmt.Errorf("catchup: expected PrepareStoreCopyResponse, got %T", prepMsg)
	}

	for _, name := range prep.Files {
		if err := p.pullFile(ctx, name); err != nil {
			return fmt.Errorf("catchup: pulling file %s: %w", name, err)
		}
	}
	if len(prep.Files) > 0 {
		if err := p.installer.Reload(); err != nil {
			return fmt.Errorf("catchup: reloading store: %w", err)
		}
	}

	status, err := p.pullTransactions(ctx)
	if err != nil {
		return fmt.Errorf("catchup: pulling transactions: %w", err)
	}
	switch status {
	case wire.StatusSuccessEndOfStream:
		return nil
	case wire.StatusStoreIdMismatch:
		return ErrStoreIdMismatch
	case wire.StatusTransactionPruned:
		return p.installSnapshot(ctx)
	default:
		return fmt.Errorf("catchup: transaction pull failed with status %d", status)
	}
}

func (p *Puller) pullFile(ctx context.Context, name string) error {
	reqEnv, err := wire.Wrap(wire.FileHeader{Name: name})
	if err != nil {
		return err
	}
	stream, err := p.rpc.GetFile(ctx, &reqEnv)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	for {
		env, err := stream.RecvEnvelope()
		if err == io.EOF {
			return fmt.Errorf("catchup: file stream closed before StoreCopyFinished")
		}
		if err != nil {
			return err
		}
		msg, err := wire.Decode(*env)
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *wire.FileHeader:
			// server's echoed header; nothing to do.
		case *wire.FileChunk:
			buf.Write(m.Bytes)
		case *wire.StoreCopyFinished:
			if m.Status != wire.StatusSuccessEndOfStream {
				return fmt.Errorf("catchup: server reported status %d for %s", m.Status, name)
			}
			return p.installer.WriteFile(name, buf.Bytes())
		default:
			return fmt.Errorf("catchup: unexpected message %T on file stream", msg)
		}
	}
}

func (p *Puller) pullTransactions(ctx context.Context) (wire.Status, error) {
	reqEnv, err := wire.Wrap(wire.TxPullRequest{
		PreviousTxId: p.installer.AppendIndex(),
		StoreId:      p.installer.StoreId(),
	})
	if err != nil {
		return wire.StatusGeneralError, err
	}
	stream, err := p.rpc.PullTransactions(ctx, &reqEnv)
	if err != nil {
		return wire.StatusGeneralError, err
	}

	for {
		env, err := stream.RecvEnvelope()
		if err == io.EOF {
			return wire.StatusGeneralError, fmt.Errorf("catchup: tx stream closed before TxStreamFinished")
		}
		if err != nil {
			return wire.StatusGeneralError, err
		}
		msg, err := wire.Decode(*env)
		if err != nil {
			return wire.StatusGeneralError, err
		}
		switch m := msg.(type) {
		case *wire.TxPullResponse:
			var entry wire.LogEntry
			if err := entry.UnmarshalBinary(m.Tx); err != nil {
				return wire.StatusGeneralError, err
			}
			if _, err := p.installer.AppendEntry(entry); err != nil {
				return wire.StatusGeneralError, err
			}
		case *wire.TxStreamFinished:
			return m.Status, nil
		default:
			return wire.StatusGeneralError, fmt.Errorf("catchup: unexpected message %T on tx stream", msg)
		}
	}
}

func (p *Puller) installSnapshot(ctx context.Context) error {
	reqEnv, err := wire.Wrap(wire.CoreSnapshotRequest{})
	if err != nil {
		return err
	}
	resp, err := p.rpc.CoreSnapshotRequest(ctx, &reqEnv)
	if err != nil {
		return err
	}
	msg, err := wire.Decode(*resp)
	if err != nil {
		return err
	}
	snapResp, ok := msg.(*wire.CoreSnapshotResponse)
	if !ok {
		return fmt.Errorf("catchup: expected CoreSnapshotResponse, got %T", msg)
	}
	return p.installer.InstallSnapshot(ctx, snapResp.Snapshot)
}
