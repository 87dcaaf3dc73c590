package routes

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arklim/anticheat-authz/internal/infra/config"
	"github.com/arklim/anticheat-authz/internal/infra/telemetry"
	"github.com/arklim/anticheat-authz/internal/transport/http/handlers"
	"github.com/arklim/anticheat-authz/internal/transport/http/middleware"
	"github.com/arklim/anticheat-authz/internal/usecase"
)

// ServiceSet groups the services the HTTP layer depends on.
type ServiceSet struct {
	Auth  handlers.AuthService
	Admin handlers.AdminService
}

// Dependencies encapsulates the objects required to register routes.
type Dependencies struct {
	Config      *config.AppConfig
	Logger      *zap.Logger
	Services    ServiceSet
	Tokens      middleware.TokenVerifier
	Permissions middleware.PermissionChecker
	RateLimiter middleware.Limiter
	Metrics     *telemetry.AuthzMetrics
	HTTPMetrics *middleware.HTTPMetrics
	Database    DatabaseChecker
	Cache       CacheChecker
}

// DatabaseChecker exposes readiness behaviour for database connections.
type DatabaseChecker interface {
	Ping(ctx context.Context) error
}

// CacheChecker exposes readiness behaviour for cache backends.
type CacheChecker interface {
	HealthCheck(ctx context.Context) error
}

// Register configures the Gin engine with routes and middleware.
func Register(deps Dependencies) *gin.Engine {
	if deps.Config.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.EnrichContext())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(deps.Config.App.CORSAllowedOrigins))
	if deps.HTTPMetrics != nil {
		r.Use(deps.HTTPMetrics.Handler())
	}

	healthOptions := make([]handlers.HealthOption, 0, 2)
	if deps.Database != nil {
		healthOptions = append(healthOptions, handlers.WithReadinessCheck("database", deps.Database.Ping))
	}
	if deps.Cache != nil {
		healthOptions = append(healthOptions, handlers.WithReadinessCheck("redis", deps.Cache.HealthCheck))
	}
	healthHandler := handlers.NewHealthHandler(healthOptions...)

	r.GET("/healthz", healthHandler.Status)
	r.GET("/readyz", healthHandler.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if deps.Tokens == nil {
		return r
	}

	clientIP := middleware.ClientIPIdentifier()
	apiLimit := middleware.RateLimit(deps.RateLimiter, usecase.RateLimitClassAPI, clientIP)
	authMiddleware := middleware.RequireAuth(deps.Tokens, deps.Metrics)

	api := r.Group("/api/v1")
	{
		if deps.Services.Auth != nil {
			authGroup := api.Group("/auth")
			authHandler := handlers.NewAuthHandler(deps.Services.Auth)
			authHandler.RegisterRoutes(authGroup,
				[]gin.HandlerFunc{middleware.RateLimit(deps.RateLimiter, usecase.RateLimitClassLogin, clientIP)},
				[]gin.HandlerFunc{apiLimit, authMiddleware},
			)
		}

		if deps.Services.Admin != nil && deps.Permissions != nil {
			adminGroup := api.Group("/admin")
			adminGroup.Use(apiLimit, authMiddleware)
			guard := func(permissions ...string) gin.HandlerFunc {
				return middleware.RequirePermission(deps.Permissions, logger, permissions...)
			}
			handlers.NewAdminHandler(deps.Services.Admin, guard).RegisterRoutes(adminGroup)
		}
	}

	return r
}
