// Package server exposes the shared work cache over gRPC.
//
// Messages are google.protobuf.Struct values holding the JSON form of the
// request and response types in this package, so no generated code is needed.
package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "gridwork.slots.v1.SlotStore"

// Method names.
const (
	MethodClaim     = "Claim"
	MethodRelease   = "Release"
	MethodHeartbeat = "Heartbeat"
	MethodSnapshot  = "Snapshot"
)

// FullMethod returns the wire name of method, e.g. /gridwork.slots.v1.SlotStore/Claim.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// SlotServiceServer is the server side of the slot service.
type SlotServiceServer interface {
	Claim(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Release(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Heartbeat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Snapshot(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(SlotServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SlotServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(SlotServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the slot service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SlotServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodClaim, SlotServiceServer.Claim),
		unary(MethodRelease, SlotServiceServer.Release),
		unary(MethodHeartbeat, SlotServiceServer.Heartbeat),
		unary(MethodSnapshot, SlotServiceServer.Snapshot),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gridwork/slots/v1",
}

// Encode converts v to a Struct through its JSON form.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return structpb.NewStruct(m)
}

// Decode fills v from a Struct produced by Encode.
func Decode(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
