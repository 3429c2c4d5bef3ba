package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/btmorr/leifraft/internal/identity"
	"github.com/btmorr/leifraft/internal/wire"
)

// ErrBeforeSwitchover is returned when a peer link is used before the
// Hello/Switchover version handshake has completed (spec §6).
var ErrBeforeSwitchover = fmt.Errorf("transport: link not yet past switchover")

// LinkConfig configures one outbound peer connection.
type LinkConfig struct {
	Address          string
	Self             identity.MemberId
	Cluster          identity.ClusterId
	AppVersion       uint32
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	HandshakeTimeout time.Duration
}

// ForeignLink is a lazily-dialed, reconnecting outbound connection to one
// peer (spec §6), generalizing the teacher's ForeignNode from a
// protobuf-generated client to the hand-written Client above.
type ForeignLink struct {
	peer identity.MemberId
	cfg  LinkConfig
	log  zerolog.Logger

	mu           sync.Mutex
	cc           *grpc.ClientConn
	client       *Client
	switchedOver bool
	backoff      time.Duration
	nextDialOk   time.Time
}

// NewForeignLink constructs an unconnected link; the first Send dials.
func NewForeignLink(peer identity.MemberId, cfg LinkConfig, log zerolog.Logger) *ForeignLink {
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = 50 * time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 2 * time.Second
	}
	return &ForeignLink{
		peer:    peer,
		cfg:     cfg,
		log:     log.With().Str("component", "transport").Str("peer", peer.String()).Logger(),
		backoff: cfg.InitialBackoff,
	}
}

// Available reports whether the link currently believes the peer is
// reachable (its dial backoff window, if any, has passed), mirroring the
// teacher's ForeignNode.Available bookkeeping.
func (l *ForeignLink) Available() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Now().After(l.nextDialOk)
}

func (l *ForeignLink) ensureConnectedLocked(ctx context.Context) error {
	if l.client != nil && l.switchedOver {
		return nil
	}
	if l.cc == nil {
		cc, err := grpc.DialContext(ctx, l.cfg.Address,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
		)
		if err != nil {
			return fmt.Errorf("transport: dial %s: %w", l.cfg.Address, err)
		}
		l.cc = cc
		l.client = NewClient(cc)
	}

	hsCtx, cancel := context.WithTimeout(ctx, l.cfg.HandshakeTimeout)
	defer cancel()
	helloEnv, err := wire.Wrap(wire.Hello{
		SenderMemberId:       l.cfg.Self,
		SenderClusterId:      l.cfg.Cluster,
		SupportedAppVersions: []uint32{l.cfg.AppVersion},
	})
	if err != nil {
		return err
	}
	respEnv, err := l.client.Handshake(hsCtx, &helloEnv)
	if err != nil {
		return fmt.Errorf("transport: handshake with %s: %w", l.peer, err)
	}
	msg, err := wire.Decode(*respEnv)
	if err != nil {
		return err
	}
	if _, ok := msg.(*wire.Switchover); !ok {
		return ErrBeforeSwitchover
	}
	l.switchedOver = true
	return nil
}

func (l *ForeignLink) scheduleBackoffLocked() {
	l.nextDialOk = time.Now().Add(l.backoff)
	l.backoff *= 2
	if l.backoff > l.cfg.MaxBackoff {
		l.backoff = l.cfg.MaxBackoff
	}
}

func (l *ForeignLink) resetBackoffLocked() {
	l.backoff = l.cfg.InitialBackoff
	l.nextDialOk = time.Time{}
}

// sendLocked dials/handshakes if needed, then performs one RPC, resetting
// the reconnect backoff on success and tearing the connection down (so
// the next attempt redials) on failure.
func (l *ForeignLink) sendLocked(ctx context.Context, do func(*Client) error) error {
	if time.Now().Before(l.nextDialOk) {
		return fmt.Errorf("transport: %s backing off", l.peer)
	}
	if err := l.ensureConnectedLocked(ctx); err != nil {
		l.scheduleBackoffLocked()
		return err
	}
	if err := do(l.client); err != nil {
		if l.cc != nil {
			_ = l.cc.Close()
		}
		l.cc, l.client, l.switchedOver = nil, nil, false
		l.scheduleBackoffLocked()
		return err
	}
	l.resetBackoffLocked()
	return nil
}

func (l *ForeignLink) SendVoteRequest(ctx context.Context, req wire.VoteRequest) (*wire.VoteResponse, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	env, err := wire.Wrap(req)
	if err != nil {
		return nil, err
	}
	var resp wire.VoteResponse
	err = l.sendLocked(ctx, func(c *Client) error {
		out, err := c.RequestVote(ctx, &env)
		if err != nil {
			return err
		}
		m, err := wire.Decode(*out)
		if err != nil {
			return err
		}
		vr, ok := m.(*wire.VoteResponse)
		if !ok {
			return fmt.Errorf("transport: unexpected reply type %T to RequestVote", m)
		}
		resp = *vr
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (l *ForeignLink) SendAppendEntries(ctx context.Context, req wire.AppendEntries) (*wire.AppendResponse, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	env, err := wire.Wrap(req)
	if err != nil {
		return nil, err
	}
	var resp wire.AppendResponse
	err = l.sendLocked(ctx, func(c *Client) error {
		out, err := c.AppendEntries(ctx, &env)
		if err != nil {
			return err
		}
		m, err := wire.Decode(*out)
		if err != nil {
			return err
		}
		ar, ok := m.(*wire.AppendResponse)
		if !ok {
			return fmt.Errorf("transport: unexpected reply type %T to AppendEntries", m)
		}
		resp = *ar
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (l *ForeignLink) SendHeartbeat(ctx context.Context, hb wire.Heartbeat) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	env, err := wire.Wrap(hb)
	if err != nil {
		return err
	}
	return l.sendLocked(ctx, func(c *Client) error {
		_, err := c.Heartbeat(ctx, &env)
		return err
	})
}

// Close tears down the underlying connection.
func (l *ForeignLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cc == nil {
		return nil
	}
	err := l.cc.Close()
	l.cc, l.client, l.switchedOver = nil, nil, false
	return err
}
