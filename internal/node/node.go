// Package node wires C1 through C11 into one running cluster member: it
// owns the persisted identity files, constructs every component in
// dependency order, and runs the timer-driven Raft loop alongside the
// applier's commit-consuming goroutine (spec §5's concurrency model).
package node

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/btmorr/leifraft/internal/applier"
	"github.com/btmorr/leifraft/internal/cache"
	"github.com/btmorr/leifraft/internal/catchup"
	"github.com/btmorr/leifraft/internal/consensus"
	"github.com/btmorr/leifraft/internal/dispatch"
	"github.com/btmorr/leifraft/internal/identity"
	"github.com/btmorr/leifraft/internal/progress"
	"github.com/btmorr/leifraft/internal/raftlog"
	"github.com/btmorr/leifraft/internal/replicator"
	"github.com/btmorr/leifraft/internal/store"
	"github.com/btmorr/leifraft/internal/timer"
	"github.com/btmorr/leifraft/internal/transport"
	"github.com/btmorr/leifraft/internal/txstore"
	"github.com/btmorr/leifraft/internal/wire"
)

// Peer names one other cluster member by id and the address its gRPC
// server listens on.
type Peer struct {
	Id      identity.MemberId
	Address string
}

// Config assembles one node's on-disk layout, network identity, and
// initial membership view (spec §6's persisted-state directory layout).
type Config struct {
	DataDir    string
	ClientAddr string
	AppVersion uint32
	Peers      []Peer

	ElectionBase      time.Duration
	HeartbeatInterval time.Duration
	AppendRetries     int
	RequestTimeout    time.Duration

	CacheMaxBytes   int64
	MaxSegmentBytes int
}

func (c Config) memberIdPath() string { return filepath.Join(c.DataDir, "member-id") }
func (c Config) clusterIdPath() string { return filepath.Join(c.DataDir, "cluster-id") }
func (c Config) termFilePath() string  { return filepath.Join(c.DataDir, "term") }
func (c Config) logDirPath() string    { return filepath.Join(c.DataDir, "raft-log") }

// Node is one running cluster member: every C1-C11 component, bound
// together, plus the glue goroutines spec §5 describes but leaves
// unnamed.
type Node struct {
	cfg Config
	log zerolog.Logger

	Self    identity.MemberId
	Cluster identity.ClusterId

	store  *store.Store
	cache  *cache.Cache
	rlog   *raftlog.Log
	timers *timer.Service
	raft   *consensus.Raft

	router *transport.Router
	server *transport.Server
	gate   *dispatch.Gate

	tracker    *progress.Tracker
	applierApp *applier.Applier
	replica    *replicator.Replicator
	tx         *txstore.Store

	catchupProvider *catchup.StoreProvider
	catchupServer   catchup.Server

	commits chan consensus.CommitBatch
}

// New loads or creates this node's persisted identity, opens its durable
// store, and wires every component together. It does not yet start any
// goroutines or accept network traffic; call Run for that. clusterFresh
// supplies a fresh cluster id the first time this data directory is
// used — the caller either generates one (founding member) or learns it
// from a peer before constructing the Node (joining member).
func New(cfg Config, clusterFresh func() [16]byte, log zerolog.Logger) (*Node, error) {
	memberIdRaw, err := identity.LoadOrCreateFile(cfg.memberIdPath(), func() [16]byte {
		var b [16]byte
		id, _ := identity.NewMemberId().MarshalBinary()
		copy(b[:], id)
		return b
	})
	if err != nil {
		return nil, fmt.Errorf("node: loading member id: %w", err)
	}
	var self identity.MemberId
	if err := (&self).UnmarshalBinary(memberIdRaw[:]); err != nil {
		return nil, fmt.Errorf("node: decoding member id: %w", err)
	}

	clusterIdRaw, err := identity.LoadOrCreateFile(cfg.clusterIdPath(), clusterFresh)
	if err != nil {
		return nil, fmt.Errorf("node: loading cluster id: %w", err)
	}
	var cluster identity.ClusterId
	if err := (&cluster).UnmarshalBinary(clusterIdRaw[:]); err != nil {
		return nil, fmt.Errorf("node: decoding cluster id: %w", err)
	}

	nodeLog := log.With().Str("member", self.String()).Logger()

	st, err := store.Open(store.Config{Dir: cfg.logDirPath(), MaxSegmentBytes: cfg.MaxSegmentBytes}, nodeLog)
	if err != nil {
		return nil, fmt.Errorf("node: opening store: %w", err)
	}
	c := cache.New(cache.Config{Enabled: true, MaxBytes: cfg.CacheMaxBytes})
	rlog := raftlog.New(st, c)
	timers := timer.New(8)

	router := transport.NewRouter(nodeLog)
	members := make([]identity.MemberId, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		members = append(members, p.Id)
		router.AddPeer(p.Id, transport.LinkConfig{
			Address:          p.Address,
			Self:             self,
			Cluster:          cluster,
			AppVersion:       cfg.AppVersion,
			HandshakeTimeout: cfg.RequestTimeout,
		})
	}

	commits := make(chan consensus.CommitBatch, 64)
	raftCfg := consensus.Config{
		Self:              self,
		Cluster:           cluster,
		Members:           members,
		TermFilePath:      cfg.termFilePath(),
		ElectionBase:      cfg.ElectionBase,
		HeartbeatInterval: cfg.HeartbeatInterval,
		AppendRetries:     cfg.AppendRetries,
		RequestTimeout:    cfg.RequestTimeout,
	}
	raft, err := consensus.New(raftCfg, rlog, router, timers, commits, nodeLog)
	if err != nil {
		return nil, fmt.Errorf("node: constructing raft: %w", err)
	}

	n := &Node{
		cfg:     cfg,
		log:     nodeLog,
		Self:    self,
		Cluster: cluster,
		store:   st,
		cache:   c,
		rlog:    rlog,
		timers:  timers,
		raft:    raft,
		router:  router,
		commits: commits,
	}

	n.gate = dispatch.NewGate(n, nodeLog)
	n.gate.Bind(cluster)
	n.server = transport.NewServer(self, cfg.AppVersion, n.gate, nodeLog)

	n.tracker = progress.New()
	n.tx = txstore.New()
	n.applierApp = applier.New(n.tx, n.tracker, raft, nodeLog)
	n.replica = replicator.New(raft, n.tracker, replicator.Config{}, nodeLog)

	n.catchupProvider = &catchup.StoreProvider{
		Store:     st,
		ClusterId: cluster,
		Members:   raft.Members,
		AppStates: n.appStateBlobs,
	}
	n.catchupServer = catchup.NewServer(n.catchupProvider, nodeLog)

	return n, nil
}

// appStateBlobs assembles the small application-state snapshots a
// CoreSnapshotResponse carries alongside the log prefix (spec §4.10's
// expansion note): the id-allocation and lock-token state machines live
// in the applier, snapshotted fresh on every call.
func (n *Node) appStateBlobs() map[string][]byte {
	return n.applierApp.AppStateSnapshot()
}

// Run starts the node's background goroutines: the timer-driven Raft
// loop and the applier's commit consumer. It blocks until ctx is
// cancelled.
func (n *Node) Run(ctx context.Context) {
	go n.applierApp.Run(ctx, n.commits)

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-n.timers.Events():
			if !n.timers.IsCurrent(f) {
				continue
			}
			switch f.Name {
			case timer.Election:
				n.raft.OnElectionTimeout(ctx)
			case timer.Heartbeat:
				n.raft.OnHeartbeatTick(ctx)
			}
		}
	}
}

// Handle implements dispatch.Handler, the single point where every
// inbound Raft RPC reaches C5.
func (n *Node) Handle(ctx context.Context, s dispatch.Stamped) (wire.Message, error) {
	switch req := s.Message.(type) {
	case *wire.VoteRequest:
		resp, err := n.raft.HandleVoteRequest(*req)
		if err != nil {
			return nil, err
		}
		return resp, nil
	case *wire.AppendEntries:
		resp, err := n.raft.HandleAppendEntries(*req)
		if err != nil {
			return nil, err
		}
		return resp, nil
	case *wire.Heartbeat:
		if err := n.raft.HandleHeartbeat(*req); err != nil {
			return nil, err
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("node: no handler for %T", req)
	}
}

// Replicate is the client-facing replicate(value) call (spec §1, §4.8):
// it blocks until the value has been committed and applied, returning
// the applier's result.
func (n *Node) Replicate(ctx context.Context, globalSessionId []byte, localSessionId, seq int64, value []byte) ([]byte, error) {
	return n.replica.Replicate(ctx, globalSessionId, localSessionId, seq, value, true)
}

// NewCatchupPuller builds a Puller driving this node's side of C10
// against an already-established connection to a peer, typically called
// once before Run for a brand-new or long-absent member.
func (n *Node) NewCatchupPuller(cc grpc.ClientConnInterface, cfg catchup.Config) *catchup.Puller {
	installer := &catchup.StoreInstaller{
		Store:      n.store,
		OnSnapshot: n.installSnapshot,
	}
	if b, err := n.Cluster.MarshalBinary(); err == nil {
		installer.LocalId = b
	}
	return catchup.NewPuller(cc, installer, cfg, n.log)
}

func (n *Node) installSnapshot(ctx context.Context, snap wire.Snapshot) error {
	for _, raw := range snap.Members {
		var id identity.MemberId
		if err := id.UnmarshalBinary(raw); err != nil {
			return fmt.Errorf("node: decoding snapshot member id: %w", err)
		}
		n.raft.AddMember(id)
	}
	return n.applierApp.RestoreAppState(snap.AppStates)
}

// Transport exposes the gRPC RaftTransport receiver for registration on
// a *grpc.Server.
func (n *Node) Transport() *transport.Server { return n.server }

// Catchup exposes the gRPC Catchup receiver for registration on a
// *grpc.Server.
func (n *Node) Catchup() catchup.Server { return n.catchupServer }

// Raft exposes the underlying consensus engine for diagnostics (IsLeader,
// Term, LeaderHint) without widening Node's own surface.
func (n *Node) Raft() *consensus.Raft { return n.raft }

// Store exposes the durable store, e.g. for a catchup.StoreInstaller
// built against this node when it needs to pull from a peer.
func (n *Node) Store() *store.Store { return n.store }

var _ dispatch.Handler = (*Node)(nil)
