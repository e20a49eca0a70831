package rpc

import (
	"context"
	"strings"

	"github.com/KevinKickass/MiniDiffCore/internal/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Every method of the service is read-only, so operator is enough.
const requiredPermission = auth.PermOperator

func authorize(ctx context.Context, svc *auth.AuthService) error {
	if !svc.Enabled() {
		return nil
	}

	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get("authorization")
	if len(values) == 0 {
		return status.Error(codes.Unauthenticated, "missing authorization metadata")
	}

	token, ok := strings.CutPrefix(values[0], "Bearer ")
	if !ok {
		return status.Error(codes.Unauthenticated, "invalid authorization metadata format")
	}

	_, perms, err := svc.ValidateToken(ctx, token)
	if err != nil {
		return status.Error(codes.Unauthenticated, "invalid or expired token")
	}
	if !auth.HasPermission(perms, requiredPermission) {
		return status.Error(codes.PermissionDenied, "insufficient permissions")
	}
	return nil
}

func UnaryAuthInterceptor(svc *auth.AuthService) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := authorize(ctx, svc); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func StreamAuthInterceptor(svc *auth.AuthService) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := authorize(ss.Context(), svc); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}
