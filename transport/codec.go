package transport

import (
	"fmt"
	"reflect"

	"github.com/copycat-project/copycat/internal/codec"
	"google.golang.org/grpc/encoding"
)

// codecName is negotiated as the gRPC content-subtype for every call this
// package makes or serves, so registering it globally only affects traffic
// routed through this transport.
const codecName = "copycat"

// wireCodec bridges gRPC's encoding.Codec interface to internal/codec's
// deterministic binary framing. There is no protoc-generated stub to lean
// on, so request/response bodies travel as internal/codec.Message values
// instead of proto.Message.
type wireCodec struct{}

func init() {
	encoding.RegisterCodec(wireCodec{})
}

func (wireCodec) Name() string { return codecName }

func (wireCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(codec.Message)
	if !ok {
		return nil, fmt.Errorf("transport: %T does not implement codec.Message", v)
	}
	return codec.Encode(m)
}

// Unmarshal decodes data and copies the result into the pointer v already
// allocated by the gRPC runtime (grpc hands handlers a concrete *T and
// expects Unmarshal to populate it in place, whereas codec.Decode allocates
// its own instance from the type registry). A reflect-based struct copy
// bridges the two allocation strategies.
func (wireCodec) Unmarshal(data []byte, v any) error {
	m, err := codec.Decode(data)
	if err != nil {
		return err
	}
	dst := reflect.ValueOf(v)
	if dst.Kind() != reflect.Ptr || dst.IsNil() {
		return fmt.Errorf("transport: unmarshal target must be a non-nil pointer, got %T", v)
	}
	src := reflect.ValueOf(m)
	if src.Type() != dst.Type() {
		return fmt.Errorf("transport: decoded %s does not match requested %s", src.Type(), dst.Type())
	}
	dst.Elem().Set(src.Elem())
	return nil
}
