// ABOUTME: gRPC codecs for transport packets: JSON and deterministic CBOR
// ABOUTME: Registered globally so either side can select one by content-subtype

package transport

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// Codec names accepted in ClientOptions.Codec.
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("transport: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("transport: CBOR decoder initialization failed: " + err.Error())
	}

	encoding.RegisterCodec(jsonCodec{})
	encoding.RegisterCodec(cborCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecJSON }

type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error)      { return cborEnc.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return cborDec.Unmarshal(data, v) }
func (cborCodec) Name() string                       { return CodecCBOR }

// ValidCodec reports an error for codec names that are not registered here.
func ValidCodec(name string) error {
	switch name {
	case "", CodecJSON, CodecCBOR:
		return nil
	default:
		return fmt.Errorf("unknown codec %q (want %s or %s)", name, CodecJSON, CodecCBOR)
	}
}
