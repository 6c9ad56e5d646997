package api

import (
	"context"
	"testing"

	"migranthub/internal/config"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func okHandler(context.Context, any) (any, error) { return "ok", nil }

func withKeys(pairs ...string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(pairs...))
}

func TestAuthInterceptor(t *testing.T) {
	cfg := config.APIConfig{
		Enabled: true,
		Auth: config.APIAuthConfig{
			Enabled: true,
			APIKeys: []config.APIClientKey{
				{Name: "dashboard", Key: "dash", Extra: "dash-extra", Permissions: []string{permReadStatus}},
			},
		},
		RateLimit: config.APIRateLimitConfig{RPS: 100, Burst: 200},
	}
	interceptor := NewAuthInterceptor(&cfg).Unary()

	cases := []struct {
		name   string
		ctx    context.Context
		method string
		want   codes.Code
	}{
		{"Allowed", withKeys("x-api-key", "dash", "x-api-extra", "dash-extra"), syncMethodGetStatus, codes.OK},
		{"NoMetadata", context.Background(), syncMethodGetStatus, codes.Unauthenticated},
		{"NoHeaders", withKeys(), syncMethodGetStatus, codes.Unauthenticated},
		{"UnknownKey", withKeys("x-api-key", "nope", "x-api-extra", "dash-extra"), syncMethodGetStatus, codes.Unauthenticated},
		{"WrongExtra", withKeys("x-api-key", "dash", "x-api-extra", "nope"), syncMethodGetStatus, codes.Unauthenticated},
		{"ReadOnlyCannotEnqueue", withKeys("x-api-key", "dash", "x-api-extra", "dash-extra"), syncMethodEnqueueMutation, codes.PermissionDenied},
		{"ReadOnlyCannotSync", withKeys("x-api-key", "dash", "x-api-extra", "dash-extra"), syncMethodSync, codes.PermissionDenied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := interceptor(tc.ctx, "req", &grpc.UnaryServerInfo{FullMethod: tc.method}, okHandler)
			assert.Equal(t, tc.want, status.Code(err))
			if tc.want == codes.OK {
				assert.Equal(t, "ok", resp)
			}
		})
	}
}

func TestAuthInterceptor_Disabled(t *testing.T) {
	cfg := config.APIConfig{Enabled: false, Auth: config.APIAuthConfig{Enabled: true}}
	resp, err := NewAuthInterceptor(&cfg).Unary()(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: syncMethodSync}, okHandler)
	assert.NoError(t, err)
	assert.Equal(t, "ok", resp)
}

func TestAuthInterceptor_RateLimitPerKey(t *testing.T) {
	cfg := config.APIConfig{
		Enabled:   true,
		RateLimit: config.APIRateLimitConfig{RPS: 1, Burst: 1},
	}
	interceptor := NewAuthInterceptor(&cfg).Unary()
	info := &grpc.UnaryServerInfo{FullMethod: syncMethodGetStatus}

	key1 := withKeys("x-api-key", "key1")
	_, err := interceptor(key1, "req", info, okHandler)
	assert.NoError(t, err)
	_, err = interceptor(key1, "req", info, okHandler)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	_, err = interceptor(withKeys("x-api-key", "key2"), "req", info, okHandler)
	assert.NoError(t, err)
}

func TestRequiredPermission(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"/migranthub.sync.v1.SyncService/GetStatus", "read:status"},
		{"/migranthub.sync.v1.SyncService/Sync", "write:sync"},
		{"/migranthub.sync.v1.SyncService/EnqueueMutation", "write:mutations"},
		{"/migranthub.sync.v1.SyncService/ListOperations", "read:operations"},
		{"other", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, requiredPermission(tt.method))
	}
}

func TestAuthInterceptor_HealthBypass(t *testing.T) {
	cfg := config.APIConfig{
		Enabled:   true,
		Auth:      config.APIAuthConfig{Enabled: true},
		RateLimit: config.APIRateLimitConfig{RPS: 1, Burst: 1},
	}
	interceptor := NewAuthInterceptor(&cfg).Unary()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	handler := func(context.Context, any) (any, error) { return "serving", nil }

	for i := 0; i < 3; i++ {
		resp, err := interceptor(context.Background(), "req", info, handler)
		assert.NoError(t, err)
		assert.Equal(t, "serving", resp)
	}
}
