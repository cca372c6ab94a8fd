// Package wire realizes pkg/trace/sharded's Transport/ShardTopology
// collaborators over a real gRPC mesh between shards (spec §6 "wire
// protocol (sharded only)"). This environment cannot invoke protoc, so the
// wire message isn't generated from a .proto file by protoc-gen-go; instead
// Envelope's descriptor is built at init time with protodesc/dynamicpb,
// straight from a hand-built descriptorpb.FileDescriptorProto, and every
// UpdateKind payload rides inside it as an opaque gob-encoded blob (see
// payload.go). That trades one fully-typed protobuf message per UpdateKind
// for a single descriptor small enough to hand-author correctly with no
// build to check it against.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// Field numbers for the Envelope message. Kept as constants rather than
// struct tags since Envelope is never a Go struct — it only ever exists as a
// dynamicpb.Message built against envelopeDescriptor.
const (
	fieldKind          = 1
	fieldFromShard     = 2
	fieldToShard       = 3
	fieldCorrelationID = 4
	fieldPayload       = 5
	fieldErrorMessage  = 6
)

// envelopeDescriptor describes Envelope: every UpdateKind message crosses
// the wire as one of these, with kind selecting how payload is decoded.
var envelopeDescriptor protoreflect.MessageDescriptor

func init() {
	fd := &descriptorpb.FileDescriptorProto{
		Name:    proto.String("legion/trace/wire/envelope.proto"),
		Package: proto.String("legion.trace.wire"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: proto.String("Envelope"),
				Field: []*descriptorpb.FieldDescriptorProto{
					scalarField("kind", fieldKind, "kind", descriptorpb.FieldDescriptorProto_TYPE_STRING),
					scalarField("from_shard", fieldFromShard, "fromShard", descriptorpb.FieldDescriptorProto_TYPE_UINT32),
					scalarField("to_shard", fieldToShard, "toShard", descriptorpb.FieldDescriptorProto_TYPE_UINT32),
					scalarField("correlation_id", fieldCorrelationID, "correlationId", descriptorpb.FieldDescriptorProto_TYPE_STRING),
					scalarField("payload", fieldPayload, "payload", descriptorpb.FieldDescriptorProto_TYPE_BYTES),
					scalarField("error_message", fieldErrorMessage, "errorMessage", descriptorpb.FieldDescriptorProto_TYPE_STRING),
				},
			},
		},
	}

	file, err := protodesc.NewFile(fd, protoregistry.GlobalFiles)
	if err != nil {
		panic(fmt.Sprintf("wire: building envelope descriptor: %v", err))
	}
	envelopeDescriptor = file.Messages().Get(0)
}

func scalarField(name string, number int32, jsonName string, kind descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:     proto.String(name),
		Number:   proto.Int32(number),
		Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:     kind.Enum(),
		JsonName: proto.String(jsonName),
	}
}
