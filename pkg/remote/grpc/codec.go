// Package grpc carries the remote command set over gRPC.
//
// There is no protobuf schema: messages are the remote package's request
// and reply structs, encoded with the same deterministic CBOR used for
// manifests through a codec registered under the "cbor" content subtype.
// Every call is authenticated by a detached signature of the device over
// the method name and a timestamp.
package grpc

import (
	"google.golang.org/grpc/encoding"

	"github.com/marmos91/parsecfs/pkg/codec"
)

// CodecName is the gRPC content subtype of the CBOR codec.
const CodecName = "cbor"

type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error)      { return codec.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return codec.Unmarshal(data, v) }
func (cborCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(cborCodec{})
}
