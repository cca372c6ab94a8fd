package wire

import (
	"io"

	"google.golang.org/grpc"
)

// ServiceName is the gRPC service shards register/dial under.
const ServiceName = "legion.trace.wire.ShardTransport"

// exchangeMethod is the full method path for the bidi-streaming Exchange rpc,
// the service's only method: every UpdateKind rides the same Envelope
// stream, demultiplexed by kind (envelope.go), rather than one rpc per
// UpdateKind.
const exchangeMethod = "/" + ServiceName + "/Exchange"

// ShardTransportServer is the interface grpc.Server.RegisterService validates
// *Server against at registration time. Generated grpc code declares one
// method per rpc here; Exchange is instead dispatched through
// exchangeStreamHandler's raw grpc.ServerStream handling (it isn't a normal
// unary/server-streaming method grpc-go can invoke via reflection), so this
// interface declares none and the check is trivially satisfied.
type ShardTransportServer interface{}

// ServiceDesc is handed to grpc.Server.RegisterService. There is no
// protoc-gen-go-grpc output to generate this from in this environment, so it
// is authored by hand the way generated code itself is shaped: one
// grpc.StreamDesc per rpc, a raw grpc.ServerStream handler doing RecvMsg/
// SendMsg against dynamicpb.Message values built from envelopeDescriptor.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ShardTransportServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Exchange",
			Handler:       exchangeStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "legion/trace/wire/envelope.proto",
}

func exchangeStreamHandler(srv any, stream grpc.ServerStream) error {
	s := srv.(*Server)
	for {
		in := newEnvelope()
		if err := stream.RecvMsg(in); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		out := s.handle(stream.Context(), in)
		if err := stream.SendMsg(out); err != nil {
			return err
		}
	}
}
