package api

import (
	"context"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const requestIDMetadataKey = "x-request-id"

// ChainUnaryInterceptors runs interceptors in order, the first one outermost.
func ChainUnaryInterceptors(interceptors ...grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		call := handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			wrap, inner := interceptors[i], call
			call = func(ctx context.Context, req any) (any, error) {
				return wrap(ctx, req, info, inner)
			}
		}
		return call(ctx, req)
	}
}

// LoggingUnaryInterceptor tags every call with a request id, echoes it back in
// the response header and stores a request logger in ctx for zerolog.Ctx.
func LoggingUnaryInterceptor(logger *zerolog.Logger) grpc.UnaryServerInterceptor {
	base := componentLogger(logger)

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		id := requestIDFromMetadata(ctx)
		_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDMetadataKey, id))

		reqLog := base.With().Str("request_id", id).Str("method", info.FullMethod).Logger()
		started := time.Now()
		resp, err := handler(reqLog.WithContext(ctx), req)
		code := status.Code(err)

		reqLog.WithLevel(levelForCode(code)).
			Str("remote", peerKey(ctx)).
			Str("code", code.String()).
			Dur("duration", time.Since(started)).
			Msg("grpc call")
		return resp, err
	}
}

// levelForCode keeps caller mistakes at warn and reserves error for server faults.
func levelForCode(code codes.Code) zerolog.Level {
	switch code {
	case codes.OK:
		return zerolog.InfoLevel
	case codes.Internal, codes.Unknown, codes.DataLoss:
		return zerolog.ErrorLevel
	default:
		return zerolog.WarnLevel
	}
}

// RecoveryUnaryInterceptor turns a handler panic into codes.Internal.
func RecoveryUnaryInterceptor(logger *zerolog.Logger) grpc.UnaryServerInterceptor {
	base := componentLogger(logger)

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			base.Error().
				Str("method", info.FullMethod).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("grpc handler panicked")
			resp, err = nil, status.Error(codes.Internal, "internal error")
		}()
		return handler(ctx, req)
	}
}

func componentLogger(logger *zerolog.Logger) zerolog.Logger {
	if logger == nil {
		return zerolog.Nop()
	}
	return logger.With().Str("component", "grpc").Logger()
}

// requestIDFromMetadata honours a caller supplied id and mints a UUIDv7 otherwise.
func requestIDFromMetadata(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	for _, v := range md.Get(requestIDMetadataKey) {
		if id := strings.TrimSpace(v); id != "" {
			return id
		}
	}
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
