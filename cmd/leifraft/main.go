// Command leifraft runs one cluster member: it loads (or creates) the
// member's persisted identity, wires C1 through C11 together, and serves
// both the RaftTransport and Catchup gRPC services until interrupted.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/btmorr/leifraft/internal/identity"
	"github.com/btmorr/leifraft/internal/node"
	"github.com/btmorr/leifraft/internal/raftserver"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "leifraft",
	Short: "leifraft runs a single replicated state machine core member",
	Long: `leifraft hosts one member of a causal database cluster's Raft
core: leader election, log replication, and snapshot-based catch-up for
members that fall behind.`,
	RunE: runNode,
}

var logLevel string

func init() {
	flags := rootCmd.Flags()
	flags.String("data-dir", "./leifraft-data", "Data directory for persisted identity and log")
	flags.String("bind-addr", "127.0.0.1:17417", "Address the Raft and Catchup gRPC services listen on")
	flags.StringSlice("peer", nil, "Peer in id@address form, repeatable")
	flags.Uint32("app-version", 1, "Application version advertised during the transport handshake")
	flags.Duration("election-base", 150*time.Millisecond, "Base election timeout; the actual timeout is randomized above this")
	flags.Duration("heartbeat-interval", 50*time.Millisecond, "Leader heartbeat interval")
	flags.Int("append-retries", 3, "AppendEntries retries per follower before giving up on that follower for the entry")
	flags.Duration("request-timeout", 2*time.Second, "Timeout for the transport handshake with each peer")
	flags.Int64("cache-max-bytes", 64<<20, "Maximum bytes held in the in-flight entry cache")
	flags.Int("max-segment-bytes", 64<<20, "Maximum size of one log segment file before rolling over")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
}

func runNode(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	dataDir, _ := flags.GetString("data-dir")
	bindAddr, _ := flags.GetString("bind-addr")
	peerFlags, _ := flags.GetStringSlice("peer")
	appVersion, _ := flags.GetUint32("app-version")
	electionBase, _ := flags.GetDuration("election-base")
	heartbeatInterval, _ := flags.GetDuration("heartbeat-interval")
	appendRetries, _ := flags.GetInt("append-retries")
	requestTimeout, _ := flags.GetDuration("request-timeout")
	cacheMaxBytes, _ := flags.GetInt64("cache-max-bytes")
	maxSegmentBytes, _ := flags.GetInt("max-segment-bytes")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	peers, err := parsePeers(peerFlags)
	if err != nil {
		return err
	}

	log := newLogger(logLevel)

	cfg := node.Config{
		DataDir:           dataDir,
		ClientAddr:        bindAddr,
		AppVersion:        appVersion,
		Peers:             peers,
		ElectionBase:      electionBase,
		HeartbeatInterval: heartbeatInterval,
		AppendRetries:     appendRetries,
		RequestTimeout:    requestTimeout,
		CacheMaxBytes:     cacheMaxBytes,
		MaxSegmentBytes:   maxSegmentBytes,
	}

	n, err := node.New(cfg, func() [16]byte {
		var b [16]byte
		raw, _ := identity.NewClusterId().MarshalBinary()
		copy(b[:], raw)
		return b
	}, log)
	if err != nil {
		return fmt.Errorf("constructing node: %w", err)
	}

	lis, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", bindAddr, err)
	}
	srv := raftserver.Start(lis, n, log)

	log.Info().
		Str("member", n.Self.String()).
		Str("cluster", n.Cluster.String()).
		Str("bind_addr", bindAddr).
		Int("peers", len(peers)).
		Msg("leifraft member starting")

	ctx, cancel := context.WithCancel(context.Background())
	go n.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	cancel()
	srv.GracefulStop()
	return nil
}

func parsePeers(raw []string) ([]node.Peer, error) {
	peers := make([]node.Peer, 0, len(raw))
	for _, p := range raw {
		idStr, addr, ok := strings.Cut(p, "@")
		if !ok {
			return nil, fmt.Errorf("invalid --peer %q, expected id@address", p)
		}
		u, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("invalid --peer %q: %w", p, err)
		}
		peers = append(peers, node.Peer{Id: identity.MemberId(u), Address: addr})
	}
	return peers, nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}
