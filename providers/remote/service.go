// Package remote carries the provider contract over gRPC so that a provider
// can run out of process. Payloads are google.protobuf.Struct values and the
// error class travels as the gRPC status code.
package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stackr-io/stackr/internal/ir"
	"github.com/stackr-io/stackr/pkg/provider"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "stackr.provider.v1.Provider"

const (
	methodCreate = "/" + ServiceName + "/Create"
	methodUpdate = "/" + ServiceName + "/Update"
	methodDelete = "/" + ServiceName + "/Delete"
)

// Request fields.
const (
	fieldKind       = "kind"
	fieldExternalID = "externalId"
	fieldSpec       = "spec"
)

// serviceDesc describes the three unary methods. It is what protoc would
// generate for a service taking and returning google.protobuf.Struct.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Create", Handler: unaryHandler(methodCreate, (*server).create)},
		{MethodName: "Update", Handler: unaryHandler(methodUpdate, (*server).update)},
		{MethodName: "Delete", Handler: unaryHandler(methodDelete, (*server).delete)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stackr/provider/v1/provider.proto",
}

type handlerFunc func(*server, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, fn handlerFunc) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(*server)
		if interceptor == nil {
			return fn(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return fn(s, ctx, req.(*structpb.Struct))
		})
	}
}

// newRequest encodes a call. The spec goes through JSON so that any value a
// topology can hold (typed slices and maps included) becomes a Struct.
func newRequest(kind ir.Kind, externalID string, spec map[string]any) (*structpb.Struct, error) {
	fields := map[string]any{fieldKind: string(kind)}
	if externalID != "" {
		fields[fieldExternalID] = externalID
	}
	if spec != nil {
		normalized, err := jsonMap(spec)
		if err != nil {
			return nil, err
		}
		fields[fieldSpec] = normalized
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, provider.Permanentf("failed to encode request: %w", err)
	}
	return req, nil
}

func jsonMap(spec map[string]any) (map[string]any, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return nil, provider.Permanentf("failed to encode spec: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, provider.Permanentf("failed to encode spec: %w", err)
	}
	return out, nil
}

func parseRequest(req *structpb.Struct) (ir.Kind, string, map[string]any, error) {
	m := req.AsMap()
	kind, _ := m[fieldKind].(string)
	if kind == "" {
		return "", "", nil, fmt.Errorf("request has no %s", fieldKind)
	}
	externalID, _ := m[fieldExternalID].(string)
	spec, _ := m[fieldSpec].(map[string]any)
	return ir.Kind(kind), externalID, spec, nil
}
