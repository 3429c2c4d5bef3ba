// Package transport implements C6: the outbound peer-to-peer Raft RPC
// surface over gRPC. Rather than protoc-generated stubs, it registers a
// codec that passes the already-framed internal/wire envelope straight
// through, and hand-writes the small service descriptor gRPC's generated
// code would otherwise produce (spec §9: explicit wire encoding, no
// reflection-based marshaling anywhere in the hot path).
package transport

import (
	"fmt"

	"google.golang.org/grpc/encoding"

	"github.com/btmorr/leifraft/internal/wire"
)

// CodecName is the gRPC content-subtype every leifraft service (this
// package's RaftTransport and internal/catchup's Catchup service alike)
// registers and dials with, so both reuse the same envelope-passthrough
// codec instead of protobuf reflection.
const CodecName = "leifraft-envelope"

// envelopeCodec marshals/unmarshals *wire.Envelope directly, skipping
// protobuf reflection entirely.
type envelopeCodec struct{}

func (envelopeCodec) Marshal(v interface{}) ([]byte, error) {
	e, ok := v.(*wire.Envelope)
	if !ok {
		return nil, fmt.Errorf("transport: codec got %T, want *wire.Envelope", v)
	}
	return e.Encode(), nil
}

func (envelopeCodec) Unmarshal(data []byte, v interface{}) error {
	e, ok := v.(*wire.Envelope)
	if !ok {
		return fmt.Errorf("transport: codec got %T, want *wire.Envelope", v)
	}
	env, _, ok := wire.DecodeEnvelope(data)
	if !ok {
		return fmt.Errorf("transport: short envelope frame (%d bytes)", len(data))
	}
	*e = env
	return nil
}

func (envelopeCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(envelopeCodec{})
}
