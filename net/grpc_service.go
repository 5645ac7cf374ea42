package net

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The remote-call service is small enough that its descriptor is written out
// by hand:
//
//	service DCFService {
//	  rpc SendMessage(google.protobuf.BytesValue) returns (google.protobuf.Empty);
//	}
const (
	dcfServiceName       = "dcf.DCFService"
	dcfSendMessageMethod = "/dcf.DCFService/SendMessage"
)

type dcfServiceServer interface {
	SendMessage(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

func dcfSendMessageHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(dcfServiceServer).SendMessage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: dcfSendMessageMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(dcfServiceServer).SendMessage(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var dcfServiceDesc = grpc.ServiceDesc{
	ServiceName: dcfServiceName,
	HandlerType: (*dcfServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SendMessage",
			Handler:    dcfSendMessageHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dcf.proto",
}

// sendMessage issues the unary call on conn.
func sendMessage(ctx context.Context, conn grpc.ClientConnInterface, data []byte) error {
	out := new(emptypb.Empty)
	return conn.Invoke(ctx, dcfSendMessageMethod, wrapperspb.Bytes(data), out)
}
