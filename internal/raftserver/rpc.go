// Package raftserver bootstraps the gRPC server a node listens on,
// registering both the RaftTransport service (C6/C7's inbound side) and
// the Catchup service (C10's inbound side) on one *grpc.Server, the way
// the teacher's StartRaftServer registered its single Raft service.
package raftserver

import (
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/btmorr/leifraft/internal/catchup"
	"github.com/btmorr/leifraft/internal/node"
	"github.com/btmorr/leifraft/internal/transport"
)

// Start constructs a *grpc.Server carrying both of n's service
// receivers and begins serving lis in the background. Note: lis must
// already be bound to the node's configured ClientAddr.
func Start(lis net.Listener, n *node.Node, log zerolog.Logger) *grpc.Server {
	s := grpc.NewServer()
	s.RegisterService(&transport.ServiceDesc, n.Transport())
	s.RegisterService(&catchup.ServiceDesc, n.Catchup())
	go func() {
		if err := s.Serve(lis); err != nil {
			log.Fatal().Err(err).Msg("gRPC failed to serve")
		}
	}()
	return s
}
