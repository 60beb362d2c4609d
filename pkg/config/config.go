package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database DatabaseConfig
	Redis    RedisConfig
	CORS     CORSConfig
	Log      LogConfig
	Jobs     JobsConfig
	Results  ResultsConfig
	Upstream UpstreamConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// JobsConfig tunes the asynchronous enrollment job pipeline.
type JobsConfig struct {
	QueueName            string
	WorkerConcurrency    int
	MaxRetries           int
	ComputeTimeout       time.Duration
	MaxTerms             int
	EmbedLimitBytes      int
	StalePendingAfter    time.Duration
	StaleProcessingAfter time.Duration
	RecoveryInterval     time.Duration
}

// ResultsConfig controls result payload storage and download URLs.
type ResultsConfig struct {
	StorageDir      string
	SignedURLSecret string
	SignedURLTTL    time.Duration
	CleanupInterval time.Duration
	ResultTTL       time.Duration
}

// UpstreamConfig points at the course data feed the compute step scrapes.
type UpstreamConfig struct {
	BaseURL     string
	SeatURL     string
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
	CapacityTTL time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	// a missing .env is fine, env-only deployments have none; viper reports
	// it as a plain fs.PathError because the file path is explicit
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Jobs = JobsConfig{
		QueueName:            v.GetString("JOBS_QUEUE_NAME"),
		WorkerConcurrency:    v.GetInt("JOBS_WORKER_CONCURRENCY"),
		MaxRetries:           v.GetInt("JOBS_MAX_RETRIES"),
		ComputeTimeout:       parseDuration(v.GetString("JOBS_COMPUTE_TIMEOUT"), 14*time.Minute),
		MaxTerms:             v.GetInt("JOBS_MAX_TERMS"),
		EmbedLimitBytes:      v.GetInt("JOBS_EMBED_LIMIT_BYTES"),
		StalePendingAfter:    parseDuration(v.GetString("JOBS_STALE_PENDING_AFTER"), 5*time.Minute),
		StaleProcessingAfter: parseDuration(v.GetString("JOBS_STALE_PROCESSING_AFTER"), 20*time.Minute),
		RecoveryInterval:     parseDuration(v.GetString("JOBS_RECOVERY_INTERVAL"), time.Minute),
	}

	cfg.Results = ResultsConfig{
		StorageDir:      v.GetString("RESULTS_STORAGE_DIR"),
		SignedURLSecret: v.GetString("RESULTS_SIGNED_URL_SECRET"),
		SignedURLTTL:    parseDuration(v.GetString("RESULTS_SIGNED_URL_TTL"), 24*time.Hour),
		CleanupInterval: parseDuration(v.GetString("RESULTS_CLEANUP_INTERVAL"), time.Hour),
		ResultTTL:       parseDuration(v.GetString("RESULTS_TTL"), 7*24*time.Hour),
	}

	cfg.Upstream = UpstreamConfig{
		BaseURL:     v.GetString("UPSTREAM_BASE_URL"),
		SeatURL:     v.GetString("UPSTREAM_SEAT_URL"),
		Timeout:     parseDuration(v.GetString("UPSTREAM_TIMEOUT"), 30*time.Second),
		MaxRetries:  v.GetInt("UPSTREAM_MAX_RETRIES"),
		RetryDelay:  parseDuration(v.GetString("UPSTREAM_RETRY_DELAY"), time.Second),
		CapacityTTL: parseDuration(v.GetString("UPSTREAM_CAPACITY_TTL"), 12*time.Hour),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "enrollment_insights")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("JOBS_QUEUE_NAME", "enrollment")
	v.SetDefault("JOBS_WORKER_CONCURRENCY", 2)
	v.SetDefault("JOBS_MAX_RETRIES", 3)
	v.SetDefault("JOBS_COMPUTE_TIMEOUT", "14m")
	v.SetDefault("JOBS_MAX_TERMS", 20)
	v.SetDefault("JOBS_EMBED_LIMIT_BYTES", 1024*1024)
	v.SetDefault("JOBS_STALE_PENDING_AFTER", "5m")
	v.SetDefault("JOBS_STALE_PROCESSING_AFTER", "20m")
	v.SetDefault("JOBS_RECOVERY_INTERVAL", "1m")

	v.SetDefault("RESULTS_STORAGE_DIR", "./results")
	v.SetDefault("RESULTS_SIGNED_URL_SECRET", "dev_results_secret")
	v.SetDefault("RESULTS_SIGNED_URL_TTL", "24h")
	v.SetDefault("RESULTS_CLEANUP_INTERVAL", "1h")
	v.SetDefault("RESULTS_TTL", "168h")

	v.SetDefault("UPSTREAM_BASE_URL", "https://gt-scheduler.github.io/crawler-v2")
	v.SetDefault("UPSTREAM_SEAT_URL", "https://gt-scheduler.azurewebsites.net/proxy/class_section")
	v.SetDefault("UPSTREAM_TIMEOUT", "30s")
	v.SetDefault("UPSTREAM_MAX_RETRIES", 3)
	v.SetDefault("UPSTREAM_RETRY_DELAY", "1s")
	v.SetDefault("UPSTREAM_CAPACITY_TTL", "12h")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
