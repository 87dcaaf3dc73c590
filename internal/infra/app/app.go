package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/arklim/anticheat-authz/internal/core/domain"
	"github.com/arklim/anticheat-authz/internal/core/port"
	"github.com/arklim/anticheat-authz/internal/infra/config"
	"github.com/arklim/anticheat-authz/internal/infra/database"
	kafkainfra "github.com/arklim/anticheat-authz/internal/infra/kafka"
	"github.com/arklim/anticheat-authz/internal/infra/logger"
	redisinfra "github.com/arklim/anticheat-authz/internal/infra/redis"
	"github.com/arklim/anticheat-authz/internal/infra/security"
	"github.com/arklim/anticheat-authz/internal/infra/telemetry"
	"github.com/arklim/anticheat-authz/internal/repository/memory"
	postgresrepo "github.com/arklim/anticheat-authz/internal/repository/postgres"
	redisrepo "github.com/arklim/anticheat-authz/internal/repository/redis"
	transportgrpc "github.com/arklim/anticheat-authz/internal/transport/grpc"
	grpcinterceptors "github.com/arklim/anticheat-authz/internal/transport/grpc/interceptors"
	"github.com/arklim/anticheat-authz/internal/transport/http/middleware"
	"github.com/arklim/anticheat-authz/internal/transport/http/routes"
	"github.com/arklim/anticheat-authz/internal/usecase"
)

// Application owns every long-lived component of the service.
type Application struct {
	cfg        *config.AppConfig
	engine     *gin.Engine
	logger     *zap.Logger
	pool       *pgxpool.Pool
	redis      *redisinfra.Client
	tracer     *telemetry.TracerProvider
	limiter    *usecase.RateLimiter
	producer   *kafkainfra.Producer
	consumer   *kafkainfra.ConsumerGroup
	grpcServer *transportgrpc.Server
}

// New builds the application graph from configuration.
func New(ctx context.Context, cfg *config.AppConfig) (*Application, error) {
	log, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	if cfg.App.InstanceID == "" {
		cfg.App.InstanceID = uuid.NewString()
	}
	log = log.With(zap.String("instance_id", cfg.App.InstanceID))

	a := &Application{cfg: cfg, logger: log}
	ok := false
	defer func() {
		if !ok {
			a.close(context.Background())
		}
	}()

	a.tracer, err = telemetry.NewTracerProvider(ctx, cfg.Telemetry, log)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	a.pool, err = database.NewPostgresPool(ctx, cfg.Postgres, log)
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}

	repos := postgresrepo.NewRepositories(a.pool)
	if cfg.Postgres.EnsureSchema {
		if err := repos.Seeder.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}
	if cfg.Postgres.SeedOnStart {
		if err := repos.Seeder.Seed(ctx); err != nil {
			return nil, fmt.Errorf("seed permission registry: %w", err)
		}
	}

	metrics, err := telemetry.NewAuthzMetrics(telemetry.AuthzMetricsOptions{Registerer: prometheus.DefaultRegisterer})
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	httpMetrics, err := middleware.NewHTTPMetrics(middleware.HTTPMetricsOptions{Registerer: prometheus.DefaultRegisterer})
	if err != nil {
		return nil, fmt.Errorf("init http metrics: %w", err)
	}
	grpcMetrics, err := grpcinterceptors.NewGRPCMetrics(grpcinterceptors.GRPCMetricsOptions{Registerer: prometheus.DefaultRegisterer})
	if err != nil {
		return nil, fmt.Errorf("init grpc metrics: %w", err)
	}

	rateLimitStore, err := a.rateLimitStore(ctx)
	if err != nil {
		return nil, err
	}
	a.limiter, err = usecase.NewRateLimiter(rateLimitStore, usecase.RateLimiterOptions{
		Classes:       rateLimitClasses(cfg.RateLimit),
		DefaultClass:  cfg.RateLimit.DefaultClass,
		SweepInterval: cfg.RateLimit.SweepInterval,
		SweepBatch:    cfg.RateLimit.SweepBatch,
		Logger:        log,
		Metrics:       metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("init rate limiter: %w", err)
	}

	resolver := usecase.NewPermissionResolver(repos.Identity, usecase.PermissionResolverOptions{
		TTL:     cfg.Permissions.CacheTTL,
		Logger:  log,
		Metrics: metrics,
	})

	tokens, err := security.NewTokenAuthenticator(security.TokenAuthenticatorOptions{
		Secret: cfg.JWT.Secret,
		Issuer: cfg.JWT.Issuer,
		TTL:    cfg.JWT.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("init token authenticator: %w", err)
	}

	hasher, err := security.NewArgon2Hasher(security.Argon2Config{
		Memory:      cfg.Argon2.Memory,
		Iterations:  cfg.Argon2.Iterations,
		Parallelism: cfg.Argon2.Parallelism,
		SaltLength:  cfg.Argon2.SaltLength,
		KeyLength:   cfg.Argon2.KeyLength,
	})
	if err != nil {
		return nil, fmt.Errorf("configure argon2: %w", err)
	}

	publisher := a.eventPublisher(resolver)

	authService := usecase.NewAuthService(repos.Users, hasher, tokens, resolver, log)
	adminService := usecase.NewAdminService(
		repos.Users,
		repos.Roles,
		repos.Groups,
		hasher,
		security.DefaultPasswordValidator(),
		resolver,
		publisher,
		usecase.AdminServiceOptions{Origin: cfg.App.InstanceID, Logger: log},
	)

	if cfg.GRPC.Enabled {
		a.grpcServer, err = transportgrpc.NewServer(transportgrpc.ServerDependencies{
			Tokens:         tokens,
			Permissions:    resolver,
			RateLimiter:    a.limiter,
			Metrics:        metrics,
			GRPCMetrics:    grpcMetrics,
			TracerProvider: otel.GetTracerProvider(),
			Propagators:    otel.GetTextMapPropagator(),
			Logger:         log,
			Reflection:     cfg.GRPC.Reflection,
		})
		if err != nil {
			return nil, fmt.Errorf("init grpc server: %w", err)
		}
	}

	deps := routes.Dependencies{
		Config:      cfg,
		Logger:      log,
		Services:    routes.ServiceSet{Auth: authService, Admin: adminService},
		Tokens:      tokens,
		Permissions: resolver,
		RateLimiter: a.limiter,
		Metrics:     metrics,
		HTTPMetrics: httpMetrics,
		Database:    a.pool,
	}
	if a.redis != nil {
		deps.Cache = a.redis
	}
	a.engine = routes.Register(deps)

	ok = true
	return a, nil
}

func (a *Application) rateLimitStore(ctx context.Context) (port.RateLimitStore, error) {
	if a.cfg.RateLimit.Backend != config.RateLimitBackendRedis {
		return memory.NewRateLimitStore(a.cfg.RateLimit.Shards), nil
	}

	client, err := redisinfra.NewClient(ctx, a.cfg.Redis, a.logger)
	if err != nil {
		return nil, fmt.Errorf("init redis: %w", err)
	}
	a.redis = client
	return redisrepo.NewRateLimitRepository(client.Client(), a.cfg.Redis.KeyPrefix), nil
}

func (a *Application) eventPublisher(resolver *usecase.PermissionResolver) port.EventPublisher {
	cfg := a.cfg
	if !cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) == 0 {
		a.logger.Info("kafka disabled, invalidations stay local")
		return kafkainfra.NewStubPublisher(a.logger)
	}

	producer, err := kafkainfra.NewProducer(cfg.Kafka, a.logger)
	if err != nil {
		a.logger.Warn("failed to init kafka producer, using stub publisher", zap.Error(err))
		return kafkainfra.NewStubPublisher(a.logger)
	}
	a.producer = producer

	// Every instance must see every invalidation, so each joins its own group.
	groupID := cfg.Kafka.ConsumerGroup + "." + cfg.App.InstanceID
	handler := kafkainfra.NewInvalidationConsumer(resolver, kafkainfra.InvalidationConsumerOptions{
		Origin: cfg.App.InstanceID,
		Logger: a.logger,
	})
	consumer, err := kafkainfra.NewConsumerGroup(cfg.Kafka, groupID, handler, a.logger)
	if err != nil {
		a.logger.Warn("failed to init kafka consumer, remote invalidations disabled", zap.Error(err))
	} else {
		a.consumer = consumer
	}

	a.logger.Info("kafka invalidation bus initialized",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("group_id", groupID),
	)
	return kafkainfra.NewEventPublisher(producer, cfg.App, a.logger)
}

func rateLimitClasses(cfg config.RateLimitSettings) []domain.RateLimitClass {
	names := make([]string, 0, len(cfg.Classes))
	for name := range cfg.Classes {
		names = append(names, name)
	}
	sort.Strings(names)

	classes := make([]domain.RateLimitClass, 0, len(names))
	for _, name := range names {
		c := cfg.Classes[name]
		classes = append(classes, domain.RateLimitClass{
			Name:          name,
			Window:        c.Window,
			MaxRequests:   c.MaxRequests,
			BlockDuration: c.Block,
		})
	}
	return classes
}

// Run serves HTTP and gRPC and runs background loops until ctx is cancelled
// or one of them fails.
func (a *Application) Run(ctx context.Context) error {
	defer func() {
		_ = a.logger.Sync()
	}()

	srv := &http.Server{
		Addr:              a.cfg.App.Addr(),
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	var grpcListener net.Listener
	if a.grpcServer != nil {
		lis, err := net.Listen("tcp", a.cfg.GRPC.Addr())
		if err != nil {
			a.close(context.Background())
			return fmt.Errorf("listen grpc: %w", err)
		}
		grpcListener = lis
	}

	g.Go(func() error {
		a.logger.Info("starting authz API",
			zap.String("env", a.cfg.App.Env),
			zap.String("address", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("run http server: %w", err)
		}
		return nil
	})

	if grpcListener != nil {
		g.Go(func() error {
			a.logger.Info("starting gRPC server", zap.String("address", grpcListener.Addr().String()))
			if err := a.grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("run grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		return a.limiter.Run(gctx)
	})

	if a.consumer != nil {
		g.Go(func() error {
			return a.consumer.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.App.ShutdownTimeout)
		defer cancel()
		a.logger.Info("shutting down", zap.Duration("timeout", a.cfg.App.ShutdownTimeout))

		if a.grpcServer != nil {
			a.grpcServer.Health.Shutdown()
			a.grpcServer.GracefulStop()
		}
		err := srv.Shutdown(shutdownCtx)
		a.close(shutdownCtx)
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func (a *Application) close(ctx context.Context) {
	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			a.logger.Warn("close kafka consumer", zap.Error(err))
		}
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn("close kafka producer", zap.Error(err))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.Warn("shutdown tracer", zap.Error(err))
	}
}
