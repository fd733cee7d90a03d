package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewTrackingPolicyHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string `validate:"required"`
	AppVersion  string
	Environment string `validate:"required"`
	HTTPAddr    string `validate:"required"`
	NodeID      int64  `validate:"gte=0,lte=1023"`

	Telemetry TelemetryConfig

	DBType            string `validate:"oneof=postgres mysql sqlite"`
	DBHost            string
	DBPort            string
	DBName            string `validate:"required"`
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int `validate:"gte=0"`
	DBMaxOpenConn     int `validate:"gte=0"`
	DBConnMaxLifetime int `validate:"gte=0"`
	DBConnMaxIdleTime int `validate:"gte=0"`

	RateLimit     RateLimitConfig
	Identity      IdentityConfig
	Authorization AuthorizationConfig
}

// TelemetryConfig covers logging, tracing and metric export. The OTEL_* names
// follow the OpenTelemetry SDK conventions.
type TelemetryConfig struct {
	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=json console"`

	OtelEnabled   bool
	OTLPEndpoint  string  `validate:"required_if=OtelEnabled true"`
	OTLPProtocol  string  `validate:"oneof=grpc grpc/protobuf http http/protobuf"`
	SamplingRatio float64 `validate:"gte=0,lte=1"`
}

// RateLimitConfig controls the optional Redis-backed guards. The per-entity
// window itself is always on and needs no configuration.
type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string `validate:"required_if=Enabled true"`
	RedisPassword string
	RedisDB       int `validate:"gte=0"`

	IngestRate  int `validate:"gte=0"`
	IngestBurst int `validate:"gte=0"`

	EntityLockEnabled    bool
	EntityLockTTLSeconds int `validate:"gte=1"`
}

type IdentityConfig struct {
	Enabled         bool
	BaseURL         string `validate:"required_if=Enabled true"`
	TimeoutMS       int    `validate:"gte=1"`
	CacheTTLSeconds int    `validate:"gte=0"`
}

type AuthorizationConfig struct {
	PersistPolicies bool
}

// Load loads configuration from environment variables and an optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "fieldtrack"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		NodeID:            int64(getenvInt("SNOWFLAKE_NODE_ID", 1)),
		DBType:            strings.ToLower(getenv("DATABASE_TYPE", "postgres")),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "fieldtrack"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME_SECONDS", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME_SECONDS", 300),
		RateLimit: RateLimitConfig{
			Enabled:              getenvBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:            strings.TrimSpace(getenv("RATE_LIMIT_REDIS_ADDR", "")),
			RedisPassword:        os.Getenv("RATE_LIMIT_REDIS_PASSWORD"),
			RedisDB:              getenvInt("RATE_LIMIT_REDIS_DB", 0),
			IngestRate:           getenvInt("RATE_LIMIT_INGEST_RATE", 500),
			IngestBurst:          getenvInt("RATE_LIMIT_INGEST_BURST", 1000),
			EntityLockEnabled:    getenvBool("RATE_LIMIT_ENTITY_LOCK_ENABLED", false),
			EntityLockTTLSeconds: getenvInt("RATE_LIMIT_ENTITY_LOCK_TTL_SECONDS", 5),
		},
		Identity: IdentityConfig{
			Enabled:         getenvBool("IDENTITY_VALIDATION_ENABLED", false),
			BaseURL:         strings.TrimSpace(getenv("IDENTITY_SERVICE_URL", "")),
			TimeoutMS:       getenvInt("IDENTITY_TIMEOUT_MS", 2000),
			CacheTTLSeconds: getenvInt("IDENTITY_CACHE_TTL_SECONDS", 600),
		},
		Telemetry:         loadTelemetry(),
		Authorization: AuthorizationConfig{
			PersistPolicies: getenvBool("AUTHZ_PERSIST_POLICIES", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints declared on the struct tags.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func loadTelemetry() TelemetryConfig {
	protocol := getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	// a traces-specific override wins; metrics follow the same exporter
	protocol = getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", protocol)

	return TelemetryConfig{
		LogLevel:      strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat:     strings.ToLower(getenv("LOG_FORMAT", "json")),
		OtelEnabled:   getenvBool("OTEL_ENABLED", false),
		OTLPEndpoint:  getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317")),
		OTLPProtocol:  strings.ToLower(protocol),
		SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
	}
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
