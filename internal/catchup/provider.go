package catchup

import (
	"context"

	"github.com/btmorr/leifraft/internal/identity"
	"github.com/btmorr/leifraft/internal/store"
	"github.com/btmorr/leifraft/internal/wire"
)

// Provider is the narrow surface the catch-up server needs from a node's
// C1 store and application state, kept separate from store.Store itself
// so the server doesn't reach into consensus/applier internals directly.
type Provider interface {
	StoreId() []byte
	PrevIndex() int64
	LastTxId() int64
	ListFiles() ([]string, error)
	ReadFile(name string) ([]byte, error)
	ReadFrom(index int64) *store.Cursor
	BuildSnapshot(ctx context.Context) (wire.Snapshot, error)
}

// StoreProvider adapts a durable store plus the rest of a node's
// cluster/application state into a Provider, without the catchup
// package importing consensus or applier directly (both are supplied as
// closures the node wiring owns).
type StoreProvider struct {
	Store     *store.Store
	ClusterId identity.ClusterId
	Members   func() []identity.MemberId
	AppStates func() map[string][]byte
}

func (p *StoreProvider) StoreId() []byte {
	b, _ := p.ClusterId.MarshalBinary()
	return b
}

func (p *StoreProvider) PrevIndex() int64 { return p.Store.PrevIndex() }
func (p *StoreProvider) LastTxId() int64  { return p.Store.AppendIndex() }

func (p *StoreProvider) ListFiles() ([]string, error) { return p.Store.SegmentFileNames() }

func (p *StoreProvider) ReadFile(name string) ([]byte, error) { return p.Store.ReadSegmentFile(name) }

func (p *StoreProvider) ReadFrom(index int64) *store.Cursor { return p.Store.ReadFrom(index) }

func (p *StoreProvider) BuildSnapshot(ctx context.Context) (wire.Snapshot, error) {
	members := p.Members()
	raw := make([][]byte, 0, len(members))
	for _, m := range members {
		b, err := m.MarshalBinary()
		if err != nil {
			return wire.Snapshot{}, err
		}
		raw = append(raw, b)
	}
	return wire.Snapshot{
		PrevIndex: p.Store.AppendIndex(),
		PrevTerm:  p.Store.LastTerm(),
		Members:   raw,
		AppStates: p.AppStates(),
	}, nil
}

var _ Provider = (*StoreProvider)(nil)
