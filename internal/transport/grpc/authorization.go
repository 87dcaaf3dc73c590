package transportgrpc

import (
	"context"
	"errors"
	"math"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/arklim/anticheat-authz/internal/core/domain"
	"github.com/arklim/anticheat-authz/internal/infra/security"
	"github.com/arklim/anticheat-authz/internal/transport/grpc/interceptors"
	"github.com/arklim/anticheat-authz/internal/usecase"
)

const (
	// AuthorizationServiceName is the fully qualified gRPC service name.
	AuthorizationServiceName = "authz.v1.Authorization"

	VerifyTokenMethod      = "/" + AuthorizationServiceName + "/VerifyToken"
	CheckPermissionsMethod = "/" + AuthorizationServiceName + "/CheckPermissions"

	reasonPermissionDenied = "permission_denied"
)

// AuthorizationServer is the server API for the authz.v1.Authorization service.
//
// VerifyToken takes the raw session token and returns the identity with its
// current permissions as a Struct. CheckPermissions takes a Struct holding
// "permissions" (list of names) and optionally "user_id" (defaults to the
// caller) and reports whether the user holds any of them. Asking about
// another user requires admin.users.view or admin.users.manage.
type AuthorizationServer interface {
	VerifyToken(ctx context.Context, token *wrapperspb.StringValue) (*structpb.Struct, error)
	CheckPermissions(ctx context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error)
}

// RegisterAuthorizationServer registers srv with the gRPC server.
func RegisterAuthorizationServer(s grpc.ServiceRegistrar, srv AuthorizationServer) {
	s.RegisterService(&authorizationServiceDesc, srv)
}

var authorizationServiceDesc = grpc.ServiceDesc{
	ServiceName: AuthorizationServiceName,
	HandlerType: (*AuthorizationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "VerifyToken", Handler: verifyTokenHandler},
		{MethodName: "CheckPermissions", Handler: checkPermissionsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "authz/v1/authorization.proto",
}

func verifyTokenHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthorizationServer).VerifyToken(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: VerifyTokenMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AuthorizationServer).VerifyToken(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func checkPermissionsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthorizationServer).CheckPermissions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CheckPermissionsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AuthorizationServer).CheckPermissions(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// AuthorizationClient calls the authz.v1.Authorization service.
type AuthorizationClient struct {
	cc grpc.ClientConnInterface
}

// NewAuthorizationClient constructs a client over cc.
func NewAuthorizationClient(cc grpc.ClientConnInterface) *AuthorizationClient {
	return &AuthorizationClient{cc: cc}
}

// VerifyToken resolves a session token into an identity Struct.
func (c *AuthorizationClient) VerifyToken(ctx context.Context, token string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, VerifyTokenMethod, wrapperspb.String(token), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// CheckPermissions reports whether userID holds any of permissions. A zero
// userID checks the caller.
func (c *AuthorizationClient) CheckPermissions(ctx context.Context, userID int64, permissions []string, opts ...grpc.CallOption) (bool, error) {
	fields := map[string]any{"permissions": toAnySlice(permissions)}
	if userID > 0 {
		fields["user_id"] = userID
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return false, err
	}

	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, CheckPermissionsMethod, req, out, opts...); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

func toAnySlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// PermissionResolver resolves and checks user permissions.
type PermissionResolver interface {
	Resolve(ctx context.Context, userID int64) (domain.PermissionSet, error)
	HasAny(ctx context.Context, userID int64, required ...string) (bool, error)
}

// AuthorizationService implements AuthorizationServer.
type AuthorizationService struct {
	tokens      interceptors.TokenVerifier
	permissions PermissionResolver
	logger      *zap.Logger
}

var _ AuthorizationServer = (*AuthorizationService)(nil)

// NewAuthorizationService constructs the gRPC authorization service.
func NewAuthorizationService(tokens interceptors.TokenVerifier, permissions PermissionResolver, logger *zap.Logger) *AuthorizationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthorizationService{tokens: tokens, permissions: permissions, logger: logger}
}

// VerifyToken validates the token and returns the identity with fresh permissions.
func (s *AuthorizationService) VerifyToken(ctx context.Context, token *wrapperspb.StringValue) (*structpb.Struct, error) {
	identity, err := s.tokens.Verify(token.GetValue())
	if err != nil {
		reason := security.FailureReason(err)
		if reason == "" {
			reason = security.ReasonTokenInvalid
		}
		return nil, status.Error(codes.Unauthenticated, string(reason))
	}

	set, err := s.permissions.Resolve(ctx, identity.UserID)
	if err != nil {
		return nil, s.permissionError(identity.UserID, err)
	}

	out, err := structpb.NewStruct(map[string]any{
		"user_id":     identity.UserID,
		"username":    identity.Username,
		"role_id":     identity.RoleID,
		"role":        identity.RoleName,
		"permissions": toAnySlice(set.Names()),
	})
	if err != nil {
		return nil, status.Error(codes.Internal, "encode identity")
	}
	return out, nil
}

// CheckPermissions answers an any-of permission question.
// Callers may only ask about other users when they can view admin users.
func (s *AuthorizationService) CheckPermissions(ctx context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error) {
	caller, ok := interceptors.IdentityFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, string(security.ReasonTokenMissing))
	}

	fields := req.GetFields()
	userID := caller.UserID
	if v, ok := fields["user_id"]; ok {
		n := v.GetNumberValue()
		if n <= 0 || n != math.Trunc(n) || n >= 1<<63 {
			return nil, status.Error(codes.InvalidArgument, "user_id must be a positive integer")
		}
		userID = int64(n)
	}

	list := fields["permissions"].GetListValue().GetValues()
	if len(list) == 0 {
		return nil, status.Error(codes.InvalidArgument, "permissions are required")
	}
	required := make([]string, 0, len(list))
	for _, v := range list {
		name := v.GetStringValue()
		if name == "" {
			return nil, status.Error(codes.InvalidArgument, "permission names must be strings")
		}
		required = append(required, name)
	}

	if userID != caller.UserID {
		canView, err := s.permissions.HasAny(ctx, caller.UserID, domain.PermAdminUsersView, domain.PermAdminUsersManage)
		if err != nil {
			return nil, s.permissionError(caller.UserID, err)
		}
		if !canView {
			s.logger.Info("cross-user permission check denied",
				zap.Int64("caller_id", caller.UserID),
				zap.Int64("user_id", userID),
			)
			return nil, status.Error(codes.PermissionDenied, reasonPermissionDenied)
		}
	}

	allowed, err := s.permissions.HasAny(ctx, userID, required...)
	if err != nil {
		return nil, s.permissionError(userID, err)
	}
	return wrapperspb.Bool(allowed), nil
}

func (s *AuthorizationService) permissionError(userID int64, err error) error {
	if errors.Is(err, usecase.ErrDataUnavailable) {
		s.logger.Warn("permission lookup failed closed", zap.Int64("user_id", userID), zap.Error(err))
		return status.Error(codes.Unavailable, "permissions temporarily unavailable")
	}
	s.logger.Error("permission lookup failed", zap.Int64("user_id", userID), zap.Error(err))
	return status.Error(codes.Internal, "permission lookup failed")
}
