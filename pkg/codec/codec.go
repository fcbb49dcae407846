// Package codec holds the binary serialization used for everything that is
// signed, encrypted or sent to the server: manifests, certificates, sharing
// messages and the wire protocol.
//
// Encoding is CBOR with Core Deterministic Encoding (RFC 8949 §4.2) so the
// same logical value always produces the same bytes, which signatures rely
// on. Payloads that are signed are additionally zstd-compressed.
package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

// maxDecompressedSize bounds zstd output so a hostile payload cannot
// exhaust memory. Manifests never get close to it.
const maxDecompressedSize = 64 << 20

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecompressedSize))
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// RawMessage is a raw encoded CBOR value used to delay decoding of a
// variant body until its tag has been read.
type RawMessage = cbor.RawMessage

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Compress zstd-compresses data.
func Compress(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2+16))
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompression failed: %w", err)
	}
	return out, nil
}

// MarshalCompressed encodes v to CBOR and compresses the result.
func MarshalCompressed(v any) ([]byte, error) {
	raw, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return Compress(raw), nil
}

// UnmarshalCompressed decompresses data and decodes it into v.
func UnmarshalCompressed(data []byte, v any) error {
	raw, err := Decompress(data)
	if err != nil {
		return err
	}
	return Unmarshal(raw, v)
}
