package api

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestLoggingUnaryInterceptor(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	interceptor := LoggingUnaryInterceptor(&logger)
	info := &grpc.UnaryServerInfo{FullMethod: syncMethodSync}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(requestIDMetadataKey, "req-42"))
	_, err := interceptor(ctx, "req", info, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.Unavailable, "offline")
	})
	assert.Equal(t, codes.Unavailable, status.Code(err))

	out := buf.String()
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"request_id":"req-42"`)
	assert.Contains(t, out, `"method":"`+syncMethodSync+`"`)
	assert.Contains(t, out, `"code":"Unavailable"`)
	assert.Contains(t, out, `"remote":"unknown"`)
}

func TestLoggingUnaryInterceptor_ContextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	interceptor := LoggingUnaryInterceptor(&logger)

	_, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: syncMethodGetStatus}, func(ctx context.Context, _ any) (any, error) {
		zerolog.Ctx(ctx).Info().Msg("reading snapshot")
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"method":"`+syncMethodGetStatus+`","message":"reading snapshot"`)
}

func TestLevelForCode(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, levelForCode(codes.OK))
	assert.Equal(t, zerolog.WarnLevel, levelForCode(codes.PermissionDenied))
	assert.Equal(t, zerolog.WarnLevel, levelForCode(codes.Unavailable))
	assert.Equal(t, zerolog.ErrorLevel, levelForCode(codes.Internal))
}

func TestLoggingUnaryInterceptor_NilLogger(t *testing.T) {
	resp, err := LoggingUnaryInterceptor(nil)(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: "m"}, okHandler)
	assert.NoError(t, err)
	assert.Equal(t, "ok", resp)
}

func TestRequestIDFromMetadata(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(requestIDMetadataKey, "  abc "))
	assert.Equal(t, "abc", requestIDFromMetadata(ctx))

	generated := requestIDFromMetadata(context.Background())
	assert.Len(t, generated, 36)
	assert.NotEqual(t, generated, requestIDFromMetadata(context.Background()))
}

func TestRecoveryUnaryInterceptor(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	interceptor := RecoveryUnaryInterceptor(&logger)
	info := &grpc.UnaryServerInfo{FullMethod: syncMethodEnqueueMutation}

	_, err := interceptor(context.Background(), "req", info, func(context.Context, any) (any, error) {
		panic("nil payload")
	})
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Contains(t, buf.String(), "nil payload")

	plain := errors.New("storage full")
	_, err = interceptor(context.Background(), "req", info, func(context.Context, any) (any, error) {
		return nil, plain
	})
	assert.ErrorIs(t, err, plain)
}

func TestChainUnaryInterceptors(t *testing.T) {
	var trace []string
	tag := func(name string) grpc.UnaryServerInterceptor {
		return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
			trace = append(trace, name+">")
			resp, err := next(ctx, req)
			trace = append(trace, "<"+name)
			return resp, err
		}
	}

	chained := ChainUnaryInterceptors(tag("outer"), tag("inner"))
	resp, err := chained(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: "m"}, func(context.Context, any) (any, error) {
		trace = append(trace, "handler")
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", resp)
	assert.Equal(t, []string{"outer>", "inner>", "handler", "<inner", "<outer"}, trace)

	resp, err = ChainUnaryInterceptors()(context.Background(), "req", &grpc.UnaryServerInfo{}, okHandler)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
}
