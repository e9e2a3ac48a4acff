package config

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

type Config struct {
	APIPort string
	JWTKey  []byte
	JWTExp  time.Duration

	StorageDriver  string
	DBConnStr      string
	MigrateOnStart bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	UnpersistedQueueName string
	ReconcileLockTTL     time.Duration
	ReconcileMaxAttempts int

	LLMBaseURL   string
	LLMAPIKey    string
	LLMModel     string
	LLMTimeout   time.Duration
	LLMRetries   int
	LLMRetryBase time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads the process configuration once at startup. It fails when a
// required secret is missing instead of falling back to a baked-in value.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		APIPort:              getEnv("API_PORT", "8080"),
		JWTKey:               []byte(getEnv("JWT_SECRET", "")),
		JWTExp:               time.Duration(getEnvAsInt("JWT_EXPIRATION_MINUTES", 60)) * time.Minute,
		StorageDriver:        getEnv("STORAGE_DRIVER", StorageDriverPostgres),
		DBConnStr:            getEnv("DATABASE_URL", ""),
		MigrateOnStart:       getEnvAsBool("MIGRATE_ON_START", true),
		RedisAddr:            getEnv("REDIS_ADDR", ""),
		RedisPassword:        getEnv("REDIS_PASSWORD", ""),
		RedisDB:              getEnvAsInt("REDIS_DB", 0),
		UnpersistedQueueName: getEnv("UNPERSISTED_QUEUE_NAME", "convochat:unpersisted_turns"),
		ReconcileLockTTL:     time.Duration(getEnvAsInt("RECONCILE_LOCK_TTL_SECONDS", 30)) * time.Second,
		ReconcileMaxAttempts: getEnvAsInt("RECONCILE_MAX_ATTEMPTS", 5),
		LLMBaseURL:           getEnv("LLM_BASE_URL", "https://api.openai.com"),
		LLMAPIKey:            getEnv("LLM_API_KEY", ""),
		LLMModel:             getEnv("LLM_MODEL", "gpt-4"),
		LLMTimeout:           time.Duration(getEnvAsInt("LLM_TIMEOUT_SECONDS", 60)) * time.Second,
		LLMRetries:           getEnvAsInt("LLM_MAX_RETRIES", 0),
		LLMRetryBase:         time.Duration(getEnvAsInt("LLM_RETRY_BASE_MS", 500)) * time.Millisecond,
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if len(c.JWTKey) == 0 {
		errs = append(errs, errors.New("JWT_SECRET must be set"))
	}
	switch c.StorageDriver {
	case StorageDriverPostgres:
		if c.DBConnStr == "" {
			errs = append(errs, errors.New("DATABASE_URL must be set when STORAGE_DRIVER=postgres"))
		}
	case StorageDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver))
	}
	if c.JWTExp <= 0 {
		errs = append(errs, errors.New("JWT_EXPIRATION_MINUTES must be positive"))
	}
	if c.LLMTimeout <= 0 {
		errs = append(errs, errors.New("LLM_TIMEOUT_SECONDS must be positive"))
	}
	if c.LLMRetries < 0 {
		errs = append(errs, errors.New("LLM_MAX_RETRIES must not be negative"))
	}
	return errors.Join(errs...)
}

// RedisEnabled reports whether revocation and the reconciler are backed by Redis.
func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

// LogValue keeps secrets out of structured logs.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("api_port", c.APIPort),
		slog.Duration("jwt_exp", c.JWTExp),
		slog.String("storage_driver", c.StorageDriver),
		slog.Bool("redis_enabled", c.RedisEnabled()),
		slog.String("llm_base_url", c.LLMBaseURL),
		slog.String("llm_model", c.LLMModel),
		slog.Bool("llm_mock", c.LLMAPIKey == ""),
		slog.Duration("llm_timeout", c.LLMTimeout),
		slog.Int("llm_retries", c.LLMRetries),
	)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}
