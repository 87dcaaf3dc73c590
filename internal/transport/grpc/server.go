package transportgrpc

import (
	"fmt"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/arklim/anticheat-authz/internal/infra/telemetry"
	grpcinterceptors "github.com/arklim/anticheat-authz/internal/transport/grpc/interceptors"
	"github.com/arklim/anticheat-authz/internal/usecase"
)

// ServerDependencies encapsulates services required by the gRPC server layer.
type ServerDependencies struct {
	Tokens         grpcinterceptors.TokenVerifier
	Permissions    PermissionResolver
	RateLimiter    grpcinterceptors.Limiter
	Metrics        *telemetry.AuthzMetrics
	GRPCMetrics    *grpcinterceptors.GRPCMetrics
	TracerProvider trace.TracerProvider
	Propagators    propagation.TextMapPropagator
	Logger         *zap.Logger
	Reflection     bool
}

// Server bundles the gRPC server with its health reporter.
type Server struct {
	*grpc.Server
	Health *health.Server
}

// NewServer wires the authorization service behind rate limiting and token
// authentication. VerifyToken authenticates through its own payload.
func NewServer(deps ServerDependencies) (*Server, error) {
	if deps.Tokens == nil || deps.Permissions == nil {
		return nil, fmt.Errorf("token verifier and permission resolver are required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	authInterceptor := grpcinterceptors.NewAuthInterceptor(deps.Tokens, grpcinterceptors.AuthOptions{
		Logger:       logger,
		Metrics:      deps.Metrics,
		AllowMethods: []string{VerifyTokenMethod, "/grpc.health.v1.Health/Check", "/grpc.health.v1.Health/List"},
	})

	unary := []grpc.UnaryServerInterceptor{
		deps.GRPCMetrics.UnaryServerInterceptor(),
		grpcinterceptors.RateLimitInterceptor(deps.RateLimiter, usecase.RateLimitClassM2M),
		authInterceptor.UnaryServerInterceptor(),
	}

	opts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(unary...)}
	if deps.TracerProvider != nil {
		opts = append(opts, grpcinterceptors.TracingServerOption(grpcinterceptors.TracingOptions{
			TracerProvider: deps.TracerProvider,
			Propagators:    deps.Propagators,
		}))
	}

	server := grpc.NewServer(opts...)
	RegisterAuthorizationServer(server, NewAuthorizationService(deps.Tokens, deps.Permissions, logger))

	healthServer := health.NewServer()
	healthServer.SetServingStatus(AuthorizationServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)

	if deps.Reflection {
		reflection.Register(server)
	}

	return &Server{Server: server, Health: healthServer}, nil
}
