package remote

import (
	"context"
	"net"

	"github.com/stackr-io/stackr/internal/logging"
	"github.com/stackr-io/stackr/pkg/provider"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type server struct {
	impl provider.Provider
}

// Register exposes impl on s.
func Register(s *grpc.Server, impl provider.Provider) {
	s.RegisterService(&serviceDesc, &server{impl: impl})
}

// Serve runs a gRPC server for impl on lis until ctx is done.
func Serve(ctx context.Context, lis net.Listener, impl provider.Provider, opts ...grpc.ServerOption) error {
	s := grpc.NewServer(opts...)
	Register(s, impl)

	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()

	logging.Info("provider server listening", "addr", lis.Addr().String())
	return s.Serve(lis)
}

func (s *server) create(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	kind, _, spec, err := parseRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	id, err := s.impl.Create(ctx, kind, spec)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{fieldExternalID: id})
}

func (s *server) update(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	kind, externalID, spec, err := parseRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.impl.Update(ctx, kind, externalID, spec); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (s *server) delete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	kind, externalID, _, err := parseRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.impl.Delete(ctx, kind, externalID); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

// toStatus encodes the error class: Unavailable for transient failures,
// FailedPrecondition for permanent ones.
func toStatus(err error) error {
	if provider.IsTransient(err) {
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.FailedPrecondition, err.Error())
}
