package grpc

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"semaphore/school-auth/internal/auth"
	"semaphore/school-auth/internal/metrics"
	"semaphore/school-auth/internal/policy"
)

const (
	ServiceName = "schoolauth.v1.Introspection"

	validateSessionMethod = "/" + ServiceName + "/ValidateSession"
	authorizeMethod       = "/" + ServiceName + "/Authorize"
)

// IntrospectionService lets the CRUD services resolve a bearer token and
// ask for authorization decisions. Messages are google.protobuf.Struct.
type IntrospectionService interface {
	ValidateSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Authorize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var IntrospectionServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IntrospectionService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ValidateSession", Handler: validateSessionHandler},
		{MethodName: "Authorize", Handler: authorizeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "schoolauth/v1/introspection.proto",
}

func RegisterIntrospectionService(registrar grpc.ServiceRegistrar, srv IntrospectionService) {
	registrar.RegisterService(&IntrospectionServiceDesc, srv)
}

func validateSessionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IntrospectionService).ValidateSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: validateSessionMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(IntrospectionService).ValidateSession(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func authorizeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IntrospectionService).Authorize(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: authorizeMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(IntrospectionService).Authorize(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type IntrospectionServer struct {
	guard   *auth.Guard
	policy  *policy.Policy
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewIntrospectionServer(guard *auth.Guard, pol *policy.Policy, m *metrics.Metrics, log zerolog.Logger) *IntrospectionServer {
	return &IntrospectionServer{guard: guard, policy: pol, metrics: m, log: log.With().Str("component", "introspection").Logger()}
}

func (s *IntrospectionServer) ValidateSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	principal, err := s.authenticate(ctx, req)
	if err != nil {
		return nil, err
	}
	return principalStruct(principal)
}

func (s *IntrospectionServer) Authorize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	action := stringField(req, "action")
	if action == "" {
		return nil, status.Error(codes.InvalidArgument, "action required")
	}
	principal, err := s.authenticate(ctx, req)
	if err != nil {
		return nil, err
	}

	err = s.policy.Check(principal, action)
	if errors.Is(err, policy.ErrUnknownAction) {
		return nil, status.Error(codes.InvalidArgument, "unknown_action")
	}
	s.metrics.ObserveAuthorization(err)
	if err != nil {
		return nil, s.statusFromError(err)
	}
	return structpb.NewStruct(map[string]interface{}{
		"allowed":    true,
		"action":     action,
		"account_id": principal.Account.ID,
		"role":       string(principal.Account.Role),
	})
}

func (s *IntrospectionServer) authenticate(ctx context.Context, req *structpb.Struct) (auth.Principal, error) {
	token := stringField(req, "token")
	if token == "" {
		return auth.Principal{}, status.Error(codes.InvalidArgument, "token required")
	}
	principal, err := s.guard.Authenticate(ctx, token, stringField(req, "tenant_slug"))
	s.metrics.ObserveSession(err)
	if err != nil {
		return auth.Principal{}, s.statusFromError(err)
	}
	return principal, nil
}

func (s *IntrospectionServer) statusFromError(err error) error {
	kind, ok := auth.KindOf(err)
	if !ok {
		s.log.Error().Err(err).Msg("introspection failed")
		return status.Error(codes.Internal, "server_error")
	}
	return status.Error(codeForKind(kind), string(kind))
}

func codeForKind(kind auth.Kind) codes.Code {
	switch kind {
	case auth.KindInvalidCredentials, auth.KindAccountInactive, auth.KindSessionNotFound, auth.KindSessionExpired:
		return codes.Unauthenticated
	case auth.KindTenantNotFound:
		return codes.NotFound
	case auth.KindStorageUnavailable:
		return codes.Unavailable
	default:
		return codes.PermissionDenied
	}
}

func principalStruct(principal auth.Principal) (*structpb.Struct, error) {
	modules := make([]interface{}, 0, len(principal.Modules))
	for _, module := range principal.Modules.Sorted() {
		modules = append(modules, string(module))
	}
	fields := map[string]interface{}{
		"account_id":         principal.Account.ID,
		"email":              principal.Account.Email,
		"role":               string(principal.Account.Role),
		"modules":            modules,
		"session_expires_at": principal.Session.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if principal.Tenant != nil {
		fields["tenant_id"] = principal.Tenant.ID
		fields["tenant_slug"] = principal.Tenant.Slug
	}
	return structpb.NewStruct(fields)
}

func stringField(req *structpb.Struct, key string) string {
	if req == nil {
		return ""
	}
	value, ok := req.GetFields()[key]
	if !ok {
		return ""
	}
	return strings.TrimSpace(value.GetStringValue())
}
