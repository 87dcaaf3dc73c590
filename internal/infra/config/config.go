package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "AUTHZ"

// Rate limiter store backends.
const (
	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"
)

type AppConfig struct {
	App         AppSettings        `mapstructure:"app"`
	Postgres    PostgresSettings   `mapstructure:"postgres"`
	Redis       RedisSettings      `mapstructure:"redis"`
	Kafka       KafkaSettings      `mapstructure:"kafka"`
	JWT         JWTSettings        `mapstructure:"jwt"`
	GRPC        GRPCSettings       `mapstructure:"grpc"`
	Telemetry   TelemetrySettings  `mapstructure:"telemetry"`
	Permissions PermissionSettings `mapstructure:"permissions"`
	RateLimit   RateLimitSettings  `mapstructure:"rate_limit"`
	Argon2      Argon2Settings     `mapstructure:"argon2"`
}

type AppSettings struct {
	Name               string        `mapstructure:"name"`
	Env                string        `mapstructure:"env"`
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	InstanceID         string        `mapstructure:"instance_id"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins"`
}

// Addr returns the HTTP listen address.
func (s AppSettings) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type GRPCSettings struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Reflection bool   `mapstructure:"reflection"`
}

// Addr returns the gRPC listen address.
func (s GRPCSettings) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type PostgresSettings struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	Database          string        `mapstructure:"database"`
	SSLMode           string        `mapstructure:"ssl_mode"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	EnsureSchema      bool          `mapstructure:"ensure_schema"`
	SeedOnStart       bool          `mapstructure:"seed_on_start"`
}

// DSN renders a postgres URL from the settings.
func (s PostgresSettings) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(s.User, s.Password),
		Host:   net.JoinHostPort(s.Host, strconv.Itoa(s.Port)),
		Path:   "/" + s.Database,
	}
	q := u.Query()
	q.Set("sslmode", s.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// RedisSettings configures Redis connection and TLS
type RedisSettings struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	DB         int    `mapstructure:"db"`
	Password   string `mapstructure:"password"`
	TLSEnabled bool   `mapstructure:"tls_enabled"`
	KeyPrefix  string `mapstructure:"key_prefix"`
}

// KafkaSettings configures the invalidation producer and consumer group.
type KafkaSettings struct {
	Enabled       bool     `mapstructure:"enabled"`
	Brokers       []string `mapstructure:"brokers"`
	TopicPrefix   string   `mapstructure:"topic_prefix"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
}

type JWTSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type PermissionSettings struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// RateLimitClassSettings configures one fixed-window class. A zero Block
// disables lockout for the class.
type RateLimitClassSettings struct {
	Window      time.Duration `mapstructure:"window"`
	MaxRequests int           `mapstructure:"max_requests"`
	Block       time.Duration `mapstructure:"block"`
}

// RateLimitSettings configures the admission controller.
type RateLimitSettings struct {
	Backend       string                            `mapstructure:"backend"`
	DefaultClass  string                            `mapstructure:"default_class"`
	SweepInterval time.Duration                     `mapstructure:"sweep_interval"`
	SweepBatch    int                               `mapstructure:"sweep_batch"`
	Shards        int                               `mapstructure:"shards"`
	Classes       map[string]RateLimitClassSettings `mapstructure:"classes"`
}

// Argon2Settings configures Argon2id password hashing parameters
type Argon2Settings struct {
	Memory      uint32 `mapstructure:"memory"`
	Iterations  uint32 `mapstructure:"iterations"`
	Parallelism uint8  `mapstructure:"parallelism"`
	SaltLength  uint32 `mapstructure:"salt_length"`
	KeyLength   uint32 `mapstructure:"key_length"`
}

type TelemetrySettings struct {
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
}

var envKeys = []string{
	"app.name",
	"app.env",
	"app.host",
	"app.port",
	"app.shutdown_timeout",
	"app.instance_id",
	"app.cors_allowed_origins",
	"grpc.enabled",
	"grpc.host",
	"grpc.port",
	"grpc.reflection",
	"postgres.host",
	"postgres.port",
	"postgres.user",
	"postgres.password",
	"postgres.database",
	"postgres.ssl_mode",
	"postgres.max_conns",
	"postgres.min_conns",
	"postgres.max_conn_lifetime",
	"postgres.max_conn_idle_time",
	"postgres.health_check_period",
	"postgres.ensure_schema",
	"postgres.seed_on_start",
	"redis.host",
	"redis.port",
	"redis.db",
	"redis.password",
	"redis.tls_enabled",
	"redis.key_prefix",
	"kafka.enabled",
	"kafka.brokers",
	"kafka.topic_prefix",
	"kafka.consumer_group",
	"jwt.secret",
	"jwt.issuer",
	"jwt.ttl",
	"permissions.cache_ttl",
	"rate_limit.backend",
	"rate_limit.default_class",
	"rate_limit.sweep_interval",
	"rate_limit.sweep_batch",
	"rate_limit.shards",
	"rate_limit.classes.api.window",
	"rate_limit.classes.api.max_requests",
	"rate_limit.classes.api.block",
	"rate_limit.classes.login.window",
	"rate_limit.classes.login.max_requests",
	"rate_limit.classes.login.block",
	"rate_limit.classes.m2m.window",
	"rate_limit.classes.m2m.max_requests",
	"rate_limit.classes.m2m.block",
	"argon2.memory",
	"argon2.iterations",
	"argon2.parallelism",
	"argon2.salt_length",
	"argon2.key_length",
	"telemetry.tracing_enabled",
	"telemetry.otlp_endpoint",
	"telemetry.service_name",
	"telemetry.sampling_rate",
}

func Load() (*AppConfig, error) {
	v := viper.New()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)

	setDefaults(v)

	if err := bindEnvs(v, envKeys); err != nil {
		return nil, err
	}

	v.AutomaticEnv()

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints that defaults cannot guarantee.
func (c *AppConfig) Validate() error {
	var errs []error

	if len(strings.TrimSpace(c.JWT.Secret)) < 32 {
		errs = append(errs, errors.New("jwt.secret must be at least 32 bytes"))
	}
	if c.Permissions.CacheTTL <= 0 {
		errs = append(errs, errors.New("permissions.cache_ttl must be positive"))
	}

	switch c.RateLimit.Backend {
	case RateLimitBackendMemory, RateLimitBackendRedis:
	default:
		errs = append(errs, fmt.Errorf("rate_limit.backend %q is not supported", c.RateLimit.Backend))
	}

	if _, ok := c.RateLimit.Classes[c.RateLimit.DefaultClass]; !ok {
		errs = append(errs, fmt.Errorf("rate_limit.default_class %q is not configured", c.RateLimit.DefaultClass))
	}

	names := make([]string, 0, len(c.RateLimit.Classes))
	for name := range c.RateLimit.Classes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		class := c.RateLimit.Classes[name]
		if class.Window <= 0 || class.MaxRequests <= 0 || class.Block < 0 {
			errs = append(errs, fmt.Errorf("rate_limit.classes.%s: window and max_requests must be positive", name))
		}
	}

	if c.RateLimit.SweepInterval <= 0 {
		errs = append(errs, errors.New("rate_limit.sweep_interval must be positive"))
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "anticheat-authz")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 8080)
	v.SetDefault("app.shutdown_timeout", "15s")
	v.SetDefault("app.instance_id", "")
	v.SetDefault("app.cors_allowed_origins", []string{"http://localhost:5173"})

	v.SetDefault("grpc.enabled", true)
	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50051)
	v.SetDefault("grpc.reflection", false)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "anticheat")
	v.SetDefault("postgres.password", "anticheat_password")
	v.SetDefault("postgres.database", "anticheat")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conn_lifetime", "60m")
	v.SetDefault("postgres.max_conn_idle_time", "15m")
	v.SetDefault("postgres.health_check_period", "30s")
	v.SetDefault("postgres.ensure_schema", true)
	v.SetDefault("postgres.seed_on_start", true)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.tls_enabled", false)
	v.SetDefault("redis.key_prefix", "authz:ratelimit")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic_prefix", "anticheat")
	v.SetDefault("kafka.consumer_group", "anticheat-authz")

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "anticheat-authz")
	v.SetDefault("jwt.ttl", "24h")

	v.SetDefault("permissions.cache_ttl", "5m")

	v.SetDefault("rate_limit.backend", RateLimitBackendMemory)
	v.SetDefault("rate_limit.default_class", "api")
	v.SetDefault("rate_limit.sweep_interval", "60s")
	v.SetDefault("rate_limit.sweep_batch", 1000)
	v.SetDefault("rate_limit.shards", 32)
	v.SetDefault("rate_limit.classes.api.window", "1m")
	v.SetDefault("rate_limit.classes.api.max_requests", 100)
	v.SetDefault("rate_limit.classes.api.block", "0s")
	v.SetDefault("rate_limit.classes.login.window", "15m")
	v.SetDefault("rate_limit.classes.login.max_requests", 5)
	v.SetDefault("rate_limit.classes.login.block", "30m")
	v.SetDefault("rate_limit.classes.m2m.window", "1m")
	v.SetDefault("rate_limit.classes.m2m.max_requests", 600)
	v.SetDefault("rate_limit.classes.m2m.block", "0s")

	v.SetDefault("argon2.memory", 65536) // 64 MB
	v.SetDefault("argon2.iterations", 3)
	v.SetDefault("argon2.parallelism", 4)
	v.SetDefault("argon2.salt_length", 16)
	v.SetDefault("argon2.key_length", 32)

	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4318")
	v.SetDefault("telemetry.service_name", "anticheat-authz")
	v.SetDefault("telemetry.sampling_rate", 1.0)
}

func bindEnvs(v *viper.Viper, keys []string) error {
	for _, key := range keys {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envPrefix+"_"+envKey, envKey); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}
