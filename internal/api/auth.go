package api

import (
	"context"
	"errors"
	"strings"

	"migranthub/internal/config"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const healthServicePrefix = "/grpc.health.v1.Health/"

var methodPermissions = map[string]string{
	syncMethodGetStatus:       permReadStatus,
	syncMethodSync:            permWriteSync,
	syncMethodEnqueueMutation: permWriteMutations,
	syncMethodListOperations:  permReadOperations,
}

// AuthInterceptor guards the gRPC surface with the same keys and limits as HTTP.
type AuthInterceptor struct {
	cfg     *config.APIConfig
	keys    *keyring
	limiter *clientLimiter
}

func NewAuthInterceptor(cfg *config.APIConfig) *AuthInterceptor {
	return &AuthInterceptor{
		cfg:     cfg,
		keys:    newKeyring(cfg.Auth),
		limiter: newClientLimiter(cfg.RateLimit),
	}
}

func (a *AuthInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !a.cfg.Enabled || strings.HasPrefix(info.FullMethod, healthServicePrefix) {
			return handler(ctx, req)
		}

		md, hasMD := metadata.FromIncomingContext(ctx)
		key := first(md.Get(a.keys.keyHeader))

		if a.cfg.Auth.Enabled {
			if !hasMD {
				return nil, status.Error(codes.Unauthenticated, "missing metadata")
			}
			client, err := a.keys.authenticate(key, first(md.Get(a.keys.extraHeader)))
			if err != nil {
				return nil, grpcAuthError(err)
			}
			if err := authorize(client, requiredPermission(info.FullMethod)); err != nil {
				return nil, grpcAuthError(err)
			}
		}

		if key == "" {
			key = peerKey(ctx)
		}
		if !a.limiter.allow(key) {
			return nil, grpcAuthError(errRateLimited)
		}
		return handler(ctx, req)
	}
}

func requiredPermission(fullMethod string) string {
	return methodPermissions[fullMethod]
}

func grpcAuthError(err error) error {
	code := codes.Unauthenticated
	switch {
	case errors.Is(err, errPermissionDenied):
		code = codes.PermissionDenied
	case errors.Is(err, errRateLimited):
		code = codes.ResourceExhausted
	}
	return status.Error(code, err.Error())
}

func peerKey(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return clientKeyUnknown
}

func first(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}
