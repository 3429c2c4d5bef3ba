package catchup

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/btmorr/leifraft/internal/identity"
	"github.com/btmorr/leifraft/internal/store"
	"github.com/btmorr/leifraft/internal/wire"
)

// fakeServerStream collects everything sent through it, for asserting on
// a streaming RPC's output without a real network connection.
type fakeServerStream struct {
	ctx  context.Context
	sent []*wire.Envelope
}

func (f *fakeServerStream) SetHeader(metadata.MD) error  { return nil }
func (f *fakeServerStream) SendHeader(metadata.MD) error { return nil }
func (f *fakeServerStream) SetTrailer(metadata.MD)       {}
func (f *fakeServerStream) Context() context.Context     { return f.ctx }
func (f *fakeServerStream) SendMsg(m interface{}) error {
	env := *m.(*wire.Envelope)
	f.sent = append(f.sent, &env)
	return nil
}
func (f *fakeServerStream) RecvMsg(m interface{}) error { return io.EOF }

// fakeClientStream runs the matching server-streaming handler in-process
// once the request is sent, then replays its output through RecvMsg.
type fakeClientStream struct {
	ctx     context.Context
	srv     Server
	method  string
	req     *wire.Envelope
	results []*wire.Envelope
	pos     int
}

func (s *fakeClientStream) Header() (metadata.MD, error) { return nil, nil }
func (s *fakeClientStream) Trailer() metadata.MD         { return nil }
func (s *fakeClientStream) Context() context.Context     { return s.ctx }
func (s *fakeClientStream) SendMsg(m interface{}) error {
	env := *m.(*wire.Envelope)
	s.req = &env
	return nil
}
func (s *fakeClientStream) CloseSend() error {
	fs := &fakeServerStream{ctx: s.ctx}
	var err error
	switch s.method {
	case "/" + ServiceName + "/GetFile":
		err = s.srv.GetFile(s.req, fs)
	case "/" + ServiceName + "/PullTransactions":
		err = s.srv.PullTransactions(s.req, fs)
	}
	s.results = fs.sent
	return err
}
func (s *fakeClientStream) RecvMsg(m interface{}) error {
	if s.pos >= len(s.results) {
		return io.EOF
	}
	env := m.(*wire.Envelope)
	*env = *s.results[s.pos]
	s.pos++
	return nil
}

// fakeConn dispatches unary calls directly into a Server and hands out
// fakeClientStreams for the two streaming legs, standing in for an
// established gRPC connection between two in-process test nodes.
type fakeConn struct {
	srv Server
}

func (f *fakeConn) Invoke(ctx context.Context, method string, args, reply interface{}, opts ...grpc.CallOption) error {
	in := args.(*wire.Envelope)
	var out *wire.Envelope
	var err error
	switch method {
	case "/" + ServiceName + "/GetStoreId":
		out, err = f.srv.GetStoreId(ctx, in)
	case "/" + ServiceName + "/PrepareStoreCopy":
		out, err = f.srv.PrepareStoreCopy(ctx, in)
	case "/" + ServiceName + "/CoreSnapshotRequest":
		out, err = f.srv.CoreSnapshotRequest(ctx, in)
	default:
		return errUnknownMethod(method)
	}
	if err != nil {
		return err
	}
	*(reply.(*wire.Envelope)) = *out
	return nil
}

func (f *fakeConn) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return &fakeClientStream{ctx: ctx, srv: f.srv, method: method}, nil
}

type errUnknownMethod string

func (e errUnknownMethod) Error() string { return "fakeConn: unknown method " + string(e) }

func newStoreWithEntries(t *testing.T, n int) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{Dir: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := s.Append(wire.LogEntry{Term: 1, Content: []byte{byte(i)}})
		require.NoError(t, err)
	}
	return s
}

func TestPullerFullFileCopyBringsFollowerCurrent(t *testing.T) {
	clusterId := identity.NewClusterId()
	leaderStore := newStoreWithEntries(t, 5)
	member := identity.NewMemberId()

	provider := &StoreProvider{
		Store:     leaderStore,
		ClusterId: clusterId,
		Members:   func() []identity.MemberId { return []identity.MemberId{member} },
		AppStates: func() map[string][]byte { return map[string][]byte{} },
	}
	srv := NewServer(provider, zerolog.Nop())
	conn := &fakeConn{srv: srv}

	followerStore, err := store.Open(store.Config{Dir: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)
	installer := &StoreInstaller{Store: followerStore}

	puller := NewPuller(conn, installer, Config{
		MaximumTotalTime: time.Second,
		InitialBackoff:   time.Millisecond,
	}, zerolog.Nop())

	require.NoError(t, puller.Run(context.Background()))
	require.Equal(t, leaderStore.AppendIndex(), followerStore.AppendIndex())
	for i := int64(1); i <= leaderStore.AppendIndex(); i++ {
		want, ok := leaderStore.ReadEntry(i)
		require.True(t, ok)
		got, ok := followerStore.ReadEntry(i)
		require.True(t, ok)
		require.Equal(t, want.Content, got.Content)
	}
}

func TestPullerDetectsStoreIdMismatch(t *testing.T) {
	clusterId := identity.NewClusterId()
	leaderStore := newStoreWithEntries(t, 2)
	provider := &StoreProvider{
		Store:     leaderStore,
		ClusterId: clusterId,
		Members:   func() []identity.MemberId { return nil },
		AppStates: func() map[string][]byte { return nil },
	}
	srv := NewServer(provider, zerolog.Nop())
	conn := &fakeConn{srv: srv}

	followerStore, err := store.Open(store.Config{Dir: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)
	otherId, _ := identity.NewClusterId().MarshalBinary()
	installer := &StoreInstaller{Store: followerStore, LocalId: otherId}

	puller := NewPuller(conn, installer, Config{
		MaximumTotalTime: time.Second,
		InitialBackoff:   time.Millisecond,
	}, zerolog.Nop())

	err = puller.Run(context.Background())
	require.ErrorIs(t, err, ErrStoreIdMismatch)
}

func TestPullTransactionsReportsPrunedWhenBehindPrevIndex(t *testing.T) {
	dir := t.TempDir()
	leaderStore, err := store.Open(store.Config{Dir: dir, MaxSegmentBytes: 1}, zerolog.Nop())
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := leaderStore.Append(wire.LogEntry{Term: 1, Content: []byte{byte(i)}})
		require.NoError(t, err)
	}
	require.NoError(t, leaderStore.Prune(2))
	require.Greater(t, leaderStore.PrevIndex(), int64(0), "prune should have advanced PrevIndex")

	provider := &StoreProvider{
		Store:     leaderStore,
		ClusterId: identity.NewClusterId(),
		Members:   func() []identity.MemberId { return nil },
		AppStates: func() map[string][]byte { return map[string][]byte{} },
	}
	srv := NewServer(provider, zerolog.Nop())

	reqEnv, err := wire.Wrap(wire.TxPullRequest{PreviousTxId: 0})
	require.NoError(t, err)
	fs := &fakeServerStream{ctx: context.Background()}
	require.NoError(t, srv.PullTransactions(&reqEnv, fs))

	require.NotEmpty(t, fs.sent)
	last, err := wire.Decode(*fs.sent[len(fs.sent)-1])
	require.NoError(t, err)
	finished, ok := last.(*wire.TxStreamFinished)
	require.True(t, ok, "expected the stream to end with TxStreamFinished, got %T", last)
	require.Equal(t, wire.StatusTransactionPruned, finished.Status)
}

func TestCoreSnapshotRequestReflectsCurrentMembership(t *testing.T) {
	leaderStore := newStoreWithEntries(t, 3)
	member := identity.NewMemberId()
	provider := &StoreProvider{
		Store:     leaderStore,
		ClusterId: identity.NewClusterId(),
		Members:   func() []identity.MemberId { return []identity.MemberId{member} },
		AppStates: func() map[string][]byte { return map[string][]byte{"id-allocation": []byte("v1")} },
	}
	srv := NewServer(provider, zerolog.Nop())

	reqEnv, err := wire.Wrap(wire.CoreSnapshotRequest{})
	require.NoError(t, err)
	resp, err := srv.CoreSnapshotRequest(context.Background(), &reqEnv)
	require.NoError(t, err)
	msg, err := wire.Decode(*resp)
	require.NoError(t, err)
	snapResp, ok := msg.(*wire.CoreSnapshotResponse)
	require.True(t, ok)
	require.Equal(t, leaderStore.AppendIndex(), snapResp.Snapshot.PrevIndex)
	require.Len(t, snapResp.Snapshot.Members, 1)
	require.Equal(t, []byte("v1"), snapResp.Snapshot.AppStates["id-allocation"])
}
