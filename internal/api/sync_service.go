package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"migranthub/internal/database"
	"migranthub/internal/models"
	"migranthub/internal/queue"
	"migranthub/internal/service"
	"migranthub/internal/worker"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	syncServiceName = "migranthub.sync.v1.SyncService"

	syncMethodGetStatus       = "/" + syncServiceName + "/GetStatus"
	syncMethodSync            = "/" + syncServiceName + "/Sync"
	syncMethodEnqueueMutation = "/" + syncServiceName + "/EnqueueMutation"
	syncMethodListOperations  = "/" + syncServiceName + "/ListOperations"
)

// SyncServiceServer is the gRPC face of the sync daemon. Messages are google.protobuf.Struct
// documents carrying the same JSON shapes as the HTTP API.
type SyncServiceServer interface {
	GetStatus(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
	Sync(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
	EnqueueMutation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListOperations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var syncServiceDesc = grpc.ServiceDesc{
	ServiceName: syncServiceName,
	HandlerType: (*SyncServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: unaryHandler(syncMethodGetStatus, newEmpty, SyncServiceServer.GetStatus)},
		{MethodName: "Sync", Handler: unaryHandler(syncMethodSync, newEmpty, SyncServiceServer.Sync)},
		{MethodName: "EnqueueMutation", Handler: unaryHandler(syncMethodEnqueueMutation, newStruct, SyncServiceServer.EnqueueMutation)},
		{MethodName: "ListOperations", Handler: unaryHandler(syncMethodListOperations, newStruct, SyncServiceServer.ListOperations)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "migranthub/sync/v1/sync.proto",
}

func RegisterSyncServiceServer(s grpc.ServiceRegistrar, srv SyncServiceServer) {
	s.RegisterService(&syncServiceDesc, srv)
}

func newEmpty() *emptypb.Empty    { return new(emptypb.Empty) }
func newStruct() *structpb.Struct { return new(structpb.Struct) }

func unaryHandler[T proto.Message](
	fullMethod string,
	newReq func() T,
	call func(SyncServiceServer, context.Context, T) (*structpb.Struct, error),
) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SyncServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(SyncServiceServer), ctx, req.(T))
		})
	}
}

// SyncService implements SyncServiceServer over the same components as the HTTP API.
type SyncService struct {
	deps Deps
}

func NewSyncService(deps Deps) *SyncService {
	return &SyncService{deps: deps}
}

func (s *SyncService) GetStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.deps.Status.Snapshot())
}

func (s *SyncService) Sync(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	res, err := s.deps.Engine.Sync(ctx)
	if err != nil {
		if errors.Is(err, worker.ErrOffline) {
			return nil, status.Error(codes.Unavailable, "offline")
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, status.FromContextError(err).Err()
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return toStruct(res)
}

func (s *SyncService) EnqueueMutation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	raw, err := json.Marshal(req.AsMap())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid mutation document")
	}
	var m service.Mutation
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid mutation document: %v", err)
	}

	opID, entityID, err := s.deps.Mutations.EnqueueMutation(ctx, m)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidMutation), errors.Is(err, queue.ErrInvalidOperation):
			return nil, status.Error(codes.InvalidArgument, err.Error())
		case errors.Is(err, database.ErrStorageFull):
			return nil, status.Error(codes.ResourceExhausted, err.Error())
		default:
			return nil, status.Error(codes.Internal, err.Error())
		}
	}

	return structpb.NewStruct(map[string]any{
		"operation_id": opID,
		"entity_id":    entityID,
	})
}

// ListOperations accepts an optional "status" field to filter by.
func (s *SyncService) ListOperations(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ops := s.deps.Operations.Operations()
	if v, ok := req.GetFields()["status"]; ok && v.GetStringValue() != "" {
		want := models.OpStatus(v.GetStringValue())
		filtered := ops[:0]
		for _, op := range ops {
			if op.Status == want {
				filtered = append(filtered, op)
			}
		}
		ops = filtered
	}
	return toStruct(map[string]any{"operations": ops})
}

// toStruct converts v through its JSON form, so field names match the HTTP API.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode response: %v", err))
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode response: %v", err))
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode response: %v", err))
	}
	return out, nil
}
