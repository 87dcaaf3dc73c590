package interceptors

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/arklim/anticheat-authz/internal/core/domain"
	"github.com/arklim/anticheat-authz/internal/infra/security"
	"github.com/arklim/anticheat-authz/internal/infra/telemetry"
)

const (
	authorizationKey = "authorization"
	bearerPrefix     = "bearer "
)

// TokenVerifier validates session tokens presented by callers.
type TokenVerifier interface {
	Verify(raw string) (*domain.Identity, error)
}

// AuthOptions fine-tunes interceptor behaviour.
type AuthOptions struct {
	AllowMethods []string
	Logger       *zap.Logger
	Metrics      *telemetry.AuthzMetrics
}

// AuthInterceptor authenticates incoming calls with bearer session tokens.
type AuthInterceptor struct {
	verifier TokenVerifier
	logger   *zap.Logger
	metrics  *telemetry.AuthzMetrics
	allow    map[string]struct{}
}

// NewAuthInterceptor constructs a new AuthInterceptor instance.
func NewAuthInterceptor(verifier TokenVerifier, opts AuthOptions) *AuthInterceptor {
	allow := make(map[string]struct{}, len(opts.AllowMethods))
	for _, method := range opts.AllowMethods {
		if method = strings.TrimSpace(method); method != "" {
			allow[method] = struct{}{}
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AuthInterceptor{verifier: verifier, logger: logger, metrics: opts.Metrics, allow: allow}
}

// UnaryServerInterceptor returns a gRPC unary interceptor that enforces token authentication.
func (ai *AuthInterceptor) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if ai == nil || ai.verifier == nil {
			return handler(ctx, req)
		}

		if _, ok := ai.allow[info.FullMethod]; ok {
			return handler(ctx, req)
		}

		token, ok := tokenFromMetadata(ctx)
		if !ok {
			return nil, ai.reject(info.FullMethod, security.ReasonTokenInvalid, nil)
		}

		identity, err := ai.verifier.Verify(token)
		if err != nil {
			reason := security.FailureReason(err)
			if reason == "" {
				reason = security.ReasonTokenInvalid
			}
			return nil, ai.reject(info.FullMethod, reason, err)
		}

		return handler(WithIdentity(ctx, identity), req)
	}
}

func (ai *AuthInterceptor) reject(method string, reason security.AuthFailureReason, err error) error {
	ai.metrics.AuthFailure(string(reason))
	ai.logger.Warn("gRPC authentication failed",
		zap.String("method", method),
		zap.String("reason", string(reason)),
		zap.Error(err),
	)
	return status.Error(codes.Unauthenticated, string(reason))
}

type identityContextKey struct{}

// WithIdentity returns a derived context carrying the authenticated identity.
func WithIdentity(ctx context.Context, identity *domain.Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext extracts the authenticated identity when available.
func IdentityFromContext(ctx context.Context) (*domain.Identity, bool) {
	if ctx == nil {
		return nil, false
	}
	identity, ok := ctx.Value(identityContextKey{}).(*domain.Identity)
	return identity, ok && identity != nil
}

// tokenFromMetadata returns ("", true) when no authorization is present so
// the verifier reports token_missing, and false for a non-bearer scheme.
func tokenFromMetadata(ctx context.Context) (string, bool) {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(authorizationKey)
	if len(values) == 0 {
		return "", true
	}

	value := strings.TrimSpace(values[0])
	if value == "" || strings.EqualFold(value, strings.TrimSpace(bearerPrefix)) {
		return "", true
	}
	if !strings.HasPrefix(strings.ToLower(value), bearerPrefix) {
		return "", false
	}
	return strings.TrimSpace(value[len(bearerPrefix):]), true
}
