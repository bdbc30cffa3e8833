package grpcserver

import (
	"context"

	"google.golang.org/grpc"

	"github.com/and161185/hostel-outpass/internal/api"
)

// serviceDesc describes outpass.v1.Outpass. Messages are plain structs
// carried by the CBOR codec, so there is no generated code.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: api.ServiceName,
	HandlerType: (*OutpassServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(api.MethodSubmit, OutpassServer.Submit),
		unary(api.MethodApprove, OutpassServer.Approve),
		unary(api.MethodReject, OutpassServer.Reject),
		unary(api.MethodScanOut, OutpassServer.ScanOut),
		unary(api.MethodScanIn, OutpassServer.ScanIn),
		unary(api.MethodRegenerate, OutpassServer.Regenerate),
		unary(api.MethodGetPass, OutpassServer.GetPass),
		unary(api.MethodGetEvents, OutpassServer.GetEvents),
		unary(api.MethodVerify, OutpassServer.Verify),
		unary(api.MethodCanSubmit, OutpassServer.CanSubmit),
		unary(api.MethodListCurrent, OutpassServer.ListCurrent),
		unary(api.MethodListHistory, OutpassServer.ListHistory),
		unary(api.MethodListPending, OutpassServer.ListPending),
		unary(api.MethodListActive, OutpassServer.ListActive),
		unary(api.MethodStats, OutpassServer.Stats),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "outpass/v1/outpass",
}

func unary[Req, Resp any](name string, call func(OutpassServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	full := api.FullMethod(name)
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(OutpassServer)
			if ic == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			return ic(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}
