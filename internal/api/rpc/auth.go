package rpc

import (
	"context"
	"strings"

	"github.com/KevinKickass/OpenLabRig/internal/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var methodPermissions = map[string]auth.Permission{
	MethodSelectBandpass:   auth.PermOperate,
	MethodSelectND:         auth.PermOperate,
	MethodMoveWheel:        auth.PermOperate,
	MethodShutter:          auth.PermOperate,
	MethodListWheels:       auth.PermRead,
	MethodWheelStatus:      auth.PermRead,
	MethodStatus:           auth.PermRead,
	MethodAvailableFilters: auth.PermRead,
	MethodReadCurrent:      auth.PermRead,
	MethodWatchEvents:      auth.PermRead,
}

// AuthInterceptor checks the bearer token in the "authorization" metadata
// against the permission each method needs.
func AuthInterceptor(svc *auth.Service) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := authorize(ctx, svc, info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor is AuthInterceptor for streaming methods.
func StreamAuthInterceptor(svc *auth.Service) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := authorize(ss.Context(), svc, info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func authorize(ctx context.Context, svc *auth.Service, fullMethod string) error {
	if !svc.Enabled() {
		return nil
	}

	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get("authorization")
	if len(values) == 0 {
		return status.Error(codes.Unauthenticated, "missing authorization metadata")
	}
	scheme, token, ok := strings.Cut(values[0], " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return status.Error(codes.Unauthenticated, "invalid authorization metadata")
	}

	identity, err := svc.ValidateToken(token)
	if err != nil {
		return status.Error(codes.Unauthenticated, err.Error())
	}

	required, ok := methodPermissions[fullMethod]
	if !ok {
		required = auth.PermAdmin
	}
	if !identity.Has(required) {
		return status.Errorf(codes.PermissionDenied, "%s requires %s", fullMethod, required)
	}
	return nil
}

// BearerToken returns a call option that sends token as the
// authorization metadata.
func BearerToken(token string) grpc.CallOption {
	return grpc.PerRPCCredentials(bearer(token))
}

type bearer string

func (b bearer) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + string(b)}, nil
}

func (b bearer) RequireTransportSecurity() bool {
	return false
}
