package wire

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"
)

// codecName is the gRPC content-subtype this package registers under
// ("application/grpc+legion-trace-wire"), selected via grpc.CallContentSubtype
// on outgoing calls so the server picks it back up automatically.
const codecName = "legion-trace-wire"

type dynamicCodec struct{}

func (dynamicCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("wire: codec cannot marshal %T", v)
	}
	return proto.Marshal(msg)
}

func (dynamicCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("wire: codec cannot unmarshal into %T", v)
	}
	return proto.Unmarshal(data, msg)
}

func (dynamicCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(dynamicCodec{})
}
