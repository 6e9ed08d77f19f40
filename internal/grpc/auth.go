package grpc

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"semaphore/school-auth/internal/metrics"
)

const serviceTokenHeader = "x-service-token"

// NewServiceAuthUnaryInterceptor admits only callers presenting the shared
// service token. Every check is counted per method; rejections are logged
// with the calling peer.
func NewServiceAuthUnaryInterceptor(expectedToken string, m *metrics.Metrics, log zerolog.Logger) (grpc.UnaryServerInterceptor, error) {
	if expectedToken == "" {
		return nil, errors.New("service auth token required")
	}
	log = log.With().Str("component", "service_auth").Logger()
	expected := []byte(expectedToken)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		result := checkServiceToken(ctx, expected)
		if m != nil {
			m.ObserveServiceCall(info.FullMethod, result)
		}
		switch result {
		case "missing_service_token":
			log.Warn().Str("method", info.FullMethod).Str("peer", peerAddr(ctx)).Msg("service call without token")
			return nil, status.Error(codes.Unauthenticated, result)
		case "invalid_service_token":
			log.Warn().Str("method", info.FullMethod).Str("peer", peerAddr(ctx)).Msg("service call with wrong token")
			return nil, status.Error(codes.PermissionDenied, result)
		}
		return handler(ctx, req)
	}, nil
}

func checkServiceToken(ctx context.Context, expected []byte) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "missing_service_token"
	}
	values := md.Get(serviceTokenHeader)
	if len(values) == 0 || strings.TrimSpace(values[0]) == "" {
		return "missing_service_token"
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(values[0])), expected) != 1 {
		return "invalid_service_token"
	}
	return "accepted"
}

func peerAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}

func serviceAuthUnaryClientInterceptor(serviceToken string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, serviceTokenHeader, serviceToken)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
