package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"directory-auth/internal/credential"
	"directory-auth/internal/token"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

type Config struct {
	Env  string
	Port string

	StoreBackend string
	DatabaseURL  string
	DBPool       DBPool

	SigningKeys *token.KeyRing
	Issuer      string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration

	Lockout    credential.Policy
	BcryptCost int

	RateLimitMax     int
	RateLimitWindow  time.Duration
	RateLimitBackend string
	RedisURL         string

	KafkaBrokers []string
	KafkaTopic   string

	SentryDSN        string
	SentryRelease    string
	SentrySampleRate float64
	CronSecret       string
	AdminAPIKey string

	CleanupInterval  time.Duration
	RevokedRetention time.Duration
	CleanupBatchSize int
	RunMigrations    bool

	Admin AdminBootstrap
}

type DBPool struct {
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// AdminBootstrap seeds one active administrator on startup when Email and
// Password are both set.
type AdminBootstrap struct {
	Email      string
	Password   string
	Name       string
	EmployeeID string
}

func (a AdminBootstrap) Enabled() bool {
	return a.Email != "" && a.Password != ""
}

type Options struct {
	LoadDotEnv bool
}

// Load reads the environment once. Missing required values and insecure
// settings are reported together.
func Load(options Options) (*Config, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	var errs []error

	cfg := &Config{
		Env:              envOrDefault("APP_ENV", "development"),
		Port:             envOrDefault("PORT", "8080"),
		StoreBackend:     strings.ToLower(envOrDefault("STORE_BACKEND", StorePostgres)),
		Issuer:           envOrDefault("JWT_ISSUER", "directory-auth"),
		AccessTTL:        envHoursOrDefault("ACCESS_TOKEN_TTL_HOURS", 24),
		RefreshTTL:       envDaysOrDefault("REFRESH_TOKEN_TTL_DAYS", 30),
		RateLimitMax:     envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
		RateLimitWindow:  envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),
		RedisURL:         strings.TrimSpace(os.Getenv("REDIS_URL")),
		KafkaBrokers:     splitList(os.Getenv("AUDIT_KAFKA_BROKERS")),
		KafkaTopic:       envOrDefault("AUDIT_KAFKA_TOPIC", "auth.audit"),
		SentryDSN:        strings.TrimSpace(os.Getenv("SENTRY_DSN")),
		SentryRelease:    strings.TrimSpace(os.Getenv("SENTRY_RELEASE")),
		SentrySampleRate: envRateOrDefault("SENTRY_SAMPLE_RATE", 1),
		CronSecret:       strings.TrimSpace(os.Getenv("CRON_SECRET")),
		AdminAPIKey:      strings.TrimSpace(os.Getenv("ADMIN_API_KEY")),
		CleanupInterval:  envMinutesOrDefault("CLEANUP_INTERVAL_MINUTES", 60),
		RevokedRetention: envDaysOrDefault("REVOKED_TOKEN_RETENTION_DAYS", 7),
		CleanupBatchSize: envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
		RunMigrations:    EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", true),
		BcryptCost:       envIntOrDefault("BCRYPT_COST", credential.DefaultCost),
		Lockout: credential.Policy{
			MaxFailedAttempts: envIntOrDefault("LOGIN_MAX_ATTEMPTS", credential.DefaultMaxFailedAttempts),
			LockoutDuration:   envMinutesOrDefault("LOGIN_LOCK_MINUTES", int(credential.DefaultLockoutDuration/time.Minute)),
			MinPasswordLength: envIntOrDefault("PASSWORD_MIN_LENGTH", credential.DefaultMinPasswordLength),
		},
		DBPool: DBPool{
			MaxConns:        envIntOrDefault("DB_MAX_OPEN_CONNS", 10),
			MinConns:        envIntOrDefault("DB_MIN_CONNS", 1),
			MaxConnLifetime: envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),
			MaxConnIdleTime: envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),
		},
		Admin: AdminBootstrap{
			Email:      strings.TrimSpace(os.Getenv("ADMIN_EMAIL")),
			Password:   os.Getenv("ADMIN_PASSWORD"),
			Name:       envOrDefault("ADMIN_NAME", "Administrator"),
			EmployeeID: envOrDefault("ADMIN_EMPLOYEE_ID", "1"),
		},
	}
	cfg.RateLimitBackend = strings.ToLower(envOrDefault("LOGIN_RATE_LIMIT_BACKEND", defaultLimiterBackend(cfg.StoreBackend)))

	switch cfg.StoreBackend {
	case StorePostgres:
		url, err := mustEnv("DATABASE_URL")
		if err != nil {
			errs = append(errs, err)
		}
		cfg.DatabaseURL = url
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be %q or %q", StorePostgres, StoreMemory))
	}

	switch cfg.RateLimitBackend {
	case StoreMemory:
	case StorePostgres:
		if cfg.StoreBackend != StorePostgres {
			errs = append(errs, errors.New("LOGIN_RATE_LIMIT_BACKEND=postgres requires STORE_BACKEND=postgres"))
		}
	case StoreRedis:
		if cfg.RedisURL == "" {
			errs = append(errs, errors.New("missing required env: REDIS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("LOGIN_RATE_LIMIT_BACKEND must be memory, postgres or redis"))
	}

	keys, err := mustEnv("JWT_SIGNING_KEYS")
	if err != nil {
		errs = append(errs, err)
	} else if ring, err := token.ParseKeyRing(keys); err != nil {
		errs = append(errs, fmt.Errorf("JWT_SIGNING_KEYS: %w", err))
	} else {
		cfg.SigningKeys = ring
	}

	if cfg.BcryptCost < credential.DefaultCost {
		errs = append(errs, fmt.Errorf("BCRYPT_COST must be at least %d", credential.DefaultCost))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultLimiterBackend(store string) string {
	if store == StorePostgres {
		return StorePostgres
	}
	return StoreMemory
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

// envRateOrDefault reads a fraction in (0, 1].
func envRateOrDefault(name string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed <= 0 || parsed > 1 {
		return fallback
	}
	return parsed
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
