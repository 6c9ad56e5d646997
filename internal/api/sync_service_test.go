package api

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"migranthub/internal/config"
	"migranthub/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func TestSyncService_EnqueueAndStatus(t *testing.T) {
	s := newTestStack(t)
	svc := NewSyncService(s.deps)
	ctx := context.Background()

	resp, err := svc.EnqueueMutation(ctx, mustStruct(t, map[string]any{
		"entity_type":  "profile",
		"entity_id":    "p1",
		"kind":         "update",
		"payload":      map[string]any{"fullName": "A"},
		"base_version": 3,
	}))
	require.NoError(t, err)
	assert.Equal(t, "p1", resp.GetFields()["entity_id"].GetStringValue())
	opID := resp.GetFields()["operation_id"].GetStringValue()
	require.NotEmpty(t, opID)

	op, ok := s.queue.Get(opID)
	require.True(t, ok)
	assert.Equal(t, int64(3), op.BaseVersion)
	assert.JSONEq(t, `{"fullName":"A"}`, string(op.Payload))

	st, err := svc.GetStatus(ctx, &emptypb.Empty{})
	require.NoError(t, err)
	assert.Equal(t, float64(1), st.GetFields()["pending_count"].GetNumberValue())
	assert.False(t, st.GetFields()["online"].GetBoolValue())

	list, err := svc.ListOperations(ctx, mustStruct(t, map[string]any{"status": "dead"}))
	require.NoError(t, err)
	assert.Empty(t, list.GetFields()["operations"].GetListValue().GetValues())

	list, err = svc.ListOperations(ctx, &structpb.Struct{})
	require.NoError(t, err)
	assert.Len(t, list.GetFields()["operations"].GetListValue().GetValues(), 1)
}

func TestSyncService_Errors(t *testing.T) {
	s := newTestStack(t)
	svc := NewSyncService(s.deps)
	ctx := context.Background()

	_, err := svc.EnqueueMutation(ctx, mustStruct(t, map[string]any{"entity_type": "profile", "kind": "merge"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = svc.Sync(ctx, &emptypb.Empty{})
	assert.Equal(t, codes.Unavailable, status.Code(err))

	s.store.SetLimits(1, 0)
	mutation := map[string]any{"entity_type": "profile", "entity_id": "p1", "kind": "delete", "base_version": 1}
	_, err = svc.EnqueueMutation(ctx, mustStruct(t, mutation))
	require.NoError(t, err)
	_, err = svc.EnqueueMutation(ctx, mustStruct(t, mutation))
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestGRPCServer_EndToEnd(t *testing.T) {
	s := newTestStack(t)
	s.remote.Seed(models.EntityProfile, "p1", map[string]interface{}{"fullName": "Old"}, 1)
	s.monitor.Set(true)

	cfg := config.APIConfig{
		Enabled: true,
		GRPC:    config.APIGRPCConfig{Enabled: true, Port: 0},
		Auth: config.APIAuthConfig{
			Enabled: true,
			APIKeys: []config.APIClientKey{
				{Key: "viewer", Extra: "viewer-extra", Permissions: []string{"read:status"}},
				{Key: "admin", Extra: "admin-extra"},
			},
		},
	}
	logger := zerolog.New(io.Discard)
	server, err := NewGRPCServer(&cfg, NewSyncService(s.deps), &logger)
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- server.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(ctx)
		assert.NoError(t, <-served)
	})

	_, port, err := net.SplitHostPort(server.Addr())
	require.NoError(t, err)
	conn, err := grpc.NewClient("127.0.0.1:"+port, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	viewer := metadata.AppendToOutgoingContext(ctx, "x-api-key", "viewer", "x-api-extra", "viewer-extra")
	admin := metadata.AppendToOutgoingContext(ctx, "x-api-key", "admin", "x-api-extra", "admin-extra")

	t.Run("HealthSkipsAuth", func(t *testing.T) {
		resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: syncServiceName})
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
	})

	t.Run("Unauthenticated", func(t *testing.T) {
		err := conn.Invoke(ctx, syncMethodGetStatus, &emptypb.Empty{}, &structpb.Struct{})
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("ViewerCannotEnqueue", func(t *testing.T) {
		in := mustStruct(t, map[string]any{"entity_type": "profile", "entity_id": "p1", "kind": "delete"})
		err := conn.Invoke(viewer, syncMethodEnqueueMutation, in, &structpb.Struct{})
		assert.Equal(t, codes.PermissionDenied, status.Code(err))
	})

	t.Run("EnqueueThenSync", func(t *testing.T) {
		in := mustStruct(t, map[string]any{
			"entity_type":  "profile",
			"entity_id":    "p1",
			"kind":         "update",
			"payload":      map[string]any{"fullName": "A"},
			"base_version": 1,
		})
		require.NoError(t, conn.Invoke(admin, syncMethodEnqueueMutation, in, &structpb.Struct{}))

		var res structpb.Struct
		require.NoError(t, conn.Invoke(admin, syncMethodSync, &emptypb.Empty{}, &res))
		assert.Equal(t, float64(0), res.GetFields()["remaining"].GetNumberValue())

		var st structpb.Struct
		require.NoError(t, conn.Invoke(viewer, syncMethodGetStatus, &emptypb.Empty{}, &st))
		assert.Equal(t, float64(0), st.GetFields()["pending_count"].GetNumberValue())
		assert.True(t, st.GetFields()["online"].GetBoolValue())

		_, version, ok := s.remote.Entity(models.EntityProfile, "p1")
		require.True(t, ok)
		assert.Equal(t, int64(2), version)
	})
}

func TestBuildTLSConfig(t *testing.T) {
	t.Run("EmptyPaths", func(t *testing.T) {
		_, err := buildTLSConfig(config.APITLSConfig{Enabled: true})
		assert.Error(t, err)
	})

	t.Run("InvalidCert", func(t *testing.T) {
		_, err := buildTLSConfig(config.APITLSConfig{
			Enabled:  true,
			CertFile: "/nonexistent",
			KeyFile:  "/nonexistent",
		})
		assert.Error(t, err)
	})
}
