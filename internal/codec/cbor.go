// Package codec is the single CBOR configuration shared by credential bodies
// and the gRPC wire format.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Name is the gRPC content-subtype under which GRPC is registered.
const Name = "cbor"

// encMode uses Core Deterministic Encoding: the same value always produces
// the same bytes. Times are RFC 3339 strings with nanoseconds so they
// survive a round trip unchanged.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR.
func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }

// GRPC adapts the CBOR configuration to grpc's encoding.Codec.
// Messages are plain structs; json tags double as CBOR keys.
type GRPC struct{}

// Marshal implements encoding.Codec.
func (GRPC) Marshal(v any) ([]byte, error) { return Marshal(v) }

// Unmarshal implements encoding.Codec.
func (GRPC) Unmarshal(data []byte, v any) error { return Unmarshal(data, v) }

// Name implements encoding.Codec.
func (GRPC) Name() string { return Name }
