package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config is the process-wide configuration, loaded once from the
// environment and injected by value.
type Config struct {
	ServiceName string
	Environment string
	Mode        string

	HTTP      HTTPConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	Credit    CreditConfig
	Abuse     AbuseConfig
	RateLimit RateLimitConfig
	Scheduler SchedulerConfig
	Events    EventsConfig
	Tracing   TracingConfig
	Bootstrap BootstrapConfig
}

type HTTPConfig struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	LogLevel        string
}

type AuthConfig struct {
	SessionSigningKey string
	SessionIssuer     string
	IdentityCacheTTL  time.Duration
}

type CreditConfig struct {
	FreeGrantAmount  int64
	MaxGrantAmount   int64
	GrantCooldown    time.Duration
	LowBalanceFloor  int64
	DefaultPlanCode  string
	UnmeteredPlanKey string
}

type AbuseConfig struct {
	BurstThreshold  int
	BurstWindow     time.Duration
	RepeatThreshold int
	RepeatWindow    time.Duration
}

type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

type SchedulerConfig struct {
	Enabled            bool
	GrantPollInterval  time.Duration
	GrantBatchSize     int
	CounterResetHour   int
	OutboxPollInterval time.Duration
	OutboxBatchSize    int
}

type EventsConfig struct {
	SinkURL        string
	RequestTimeout time.Duration
	MaxAttempts    int
}

type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	Protocol    string
	Insecure    bool
	SampleRatio float64
}

type BootstrapConfig struct {
	EnsureDefaultTenantAndOwner bool
	SuperAdminEmail             string
}

func (c Config) IsCloud() bool {
	return strings.EqualFold(c.Mode, "cloud")
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// DSN renders the postgres connection string. Tests open sqlite directly
// and never go through here.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

// Load reads configuration from the environment. A .env file is honored
// when present so local runs do not need exported variables.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		ServiceName: getEnv("SERVICE_NAME", "distro"),
		Environment: getEnv("ENVIRONMENT", "development"),
		Mode:        getEnv("DEPLOY_MODE", "cloud"),
		HTTP: HTTPConfig{
			Addr:              getEnv("HTTP_ADDR", ":8080"),
			ReadHeaderTimeout: getEnvDuration("HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
			ShutdownTimeout:   getEnvDuration("HTTP_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			Name:            getEnv("DB_NAME", "distro"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 10),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 50),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", time.Hour),
			LogLevel:        getEnv("DB_LOG_LEVEL", "warn"),
		},
		Auth: AuthConfig{
			SessionSigningKey: getEnv("SESSION_SIGNING_KEY", ""),
			SessionIssuer:     getEnv("SESSION_ISSUER", "distro"),
			IdentityCacheTTL:  getEnvDuration("IDENTITY_CACHE_TTL", 30*time.Second),
		},
		Credit: CreditConfig{
			FreeGrantAmount:  getEnvInt64("CREDIT_FREE_GRANT_AMOUNT", 500),
			MaxGrantAmount:   getEnvInt64("CREDIT_MAX_GRANT_AMOUNT", 10000),
			GrantCooldown:    getEnvDuration("CREDIT_GRANT_COOLDOWN", 25*24*time.Hour),
			LowBalanceFloor:  getEnvInt64("CREDIT_LOW_BALANCE_FLOOR", 50),
			DefaultPlanCode:  getEnv("CREDIT_DEFAULT_PLAN", "metered"),
			UnmeteredPlanKey: getEnv("CREDIT_UNMETERED_PLAN", "unmetered"),
		},
		Abuse: AbuseConfig{
			BurstThreshold:  getEnvInt("ABUSE_BURST_THRESHOLD", 50),
			BurstWindow:     getEnvDuration("ABUSE_BURST_WINDOW", 5*time.Minute),
			RepeatThreshold: getEnvInt("ABUSE_REPEAT_THRESHOLD", 10),
			RepeatWindow:    getEnvDuration("ABUSE_REPEAT_WINDOW", time.Minute),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 120),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Scheduler: SchedulerConfig{
			Enabled:            getEnvBool("SCHEDULER_ENABLED", true),
			GrantPollInterval:  getEnvDuration("SCHEDULER_GRANT_POLL_INTERVAL", time.Hour),
			GrantBatchSize:     getEnvInt("SCHEDULER_GRANT_BATCH_SIZE", 100),
			CounterResetHour:   getEnvInt("SCHEDULER_COUNTER_RESET_HOUR", 0),
			OutboxPollInterval: getEnvDuration("SCHEDULER_OUTBOX_POLL_INTERVAL", 5*time.Second),
			OutboxBatchSize:    getEnvInt("SCHEDULER_OUTBOX_BATCH_SIZE", 50),
		},
		Events: EventsConfig{
			SinkURL:        getEnv("EVENTS_SINK_URL", ""),
			RequestTimeout: getEnvDuration("EVENTS_SINK_TIMEOUT", 10*time.Second),
			MaxAttempts:    getEnvInt("EVENTS_SINK_MAX_ATTEMPTS", 10),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("OTEL_TRACING_ENABLED", false),
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
			Protocol:    getEnv("OTEL_EXPORTER_OTLP_PROTOCOL", "http"),
			Insecure:    getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio: getEnvFloat("OTEL_TRACES_SAMPLER_RATIO", 1.0),
		},
		Bootstrap: BootstrapConfig{
			EnsureDefaultTenantAndOwner: getEnvBool("BOOTSTRAP_DEFAULT_TENANT", false),
			SuperAdminEmail:             getEnv("BOOTSTRAP_SUPER_ADMIN_EMAIL", ""),
		},
	}

	if cfg.Credit.FreeGrantAmount <= 0 {
		return Config{}, fmt.Errorf("CREDIT_FREE_GRANT_AMOUNT must be positive, got %d", cfg.Credit.FreeGrantAmount)
	}
	if cfg.Credit.MaxGrantAmount < cfg.Credit.FreeGrantAmount {
		return Config{}, fmt.Errorf("CREDIT_MAX_GRANT_AMOUNT %d below free grant amount %d", cfg.Credit.MaxGrantAmount, cfg.Credit.FreeGrantAmount)
	}
	return cfg, nil
}

var Module = fx.Module("config",
	fx.Provide(Load),
)

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
