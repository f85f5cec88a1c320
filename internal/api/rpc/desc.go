// Package rpc exposes the rig as the gRPC service openlabrig.v1.LabRig.
// Requests and responses are google.protobuf.Struct values so scripts can
// call the service without generated stubs.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "openlabrig.v1.LabRig"

const (
	MethodSelectBandpass   = "/" + ServiceName + "/SelectBandpass"
	MethodSelectND         = "/" + ServiceName + "/SelectND"
	MethodListWheels       = "/" + ServiceName + "/ListWheels"
	MethodWheelStatus      = "/" + ServiceName + "/WheelStatus"
	MethodStatus           = "/" + ServiceName + "/Status"
	MethodMoveWheel        = "/" + ServiceName + "/MoveWheel"
	MethodAvailableFilters = "/" + ServiceName + "/AvailableFilters"
	MethodShutter          = "/" + ServiceName + "/Shutter"
	MethodReadCurrent      = "/" + ServiceName + "/ReadCurrent"
	MethodWatchEvents      = "/" + ServiceName + "/WatchEvents"
)

// LabRigServer is the server API for the LabRig service.
type LabRigServer interface {
	SelectBandpass(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SelectND(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListWheels(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WheelStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MoveWheel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AvailableFilters(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Shutter(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReadCurrent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

type unaryCall func(LabRigServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func handler(fullMethod string, call unaryCall) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LabRigServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		next := func(ctx context.Context, req any) (any, error) {
			return call(srv.(LabRigServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, next)
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(LabRigServer).WatchEvents(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// LabRigServiceDesc is the grpc.ServiceDesc for the LabRig service.
var LabRigServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LabRigServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SelectBandpass", Handler: handler(MethodSelectBandpass, LabRigServer.SelectBandpass)},
		{MethodName: "SelectND", Handler: handler(MethodSelectND, LabRigServer.SelectND)},
		{MethodName: "ListWheels", Handler: handler(MethodListWheels, LabRigServer.ListWheels)},
		{MethodName: "WheelStatus", Handler: handler(MethodWheelStatus, LabRigServer.WheelStatus)},
		{MethodName: "Status", Handler: handler(MethodStatus, LabRigServer.Status)},
		{MethodName: "MoveWheel", Handler: handler(MethodMoveWheel, LabRigServer.MoveWheel)},
		{MethodName: "AvailableFilters", Handler: handler(MethodAvailableFilters, LabRigServer.AvailableFilters)},
		{MethodName: "Shutter", Handler: handler(MethodShutter, LabRigServer.Shutter)},
		{MethodName: "ReadCurrent", Handler: handler(MethodReadCurrent, LabRigServer.ReadCurrent)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchEvents", Handler: watchEventsHandler, ServerStreams: true},
	},
	Metadata: "openlabrig/v1/labrig.proto",
}

func RegisterLabRigServer(s grpc.ServiceRegistrar, srv LabRigServer) {
	s.RegisterService(&LabRigServiceDesc, srv)
}
