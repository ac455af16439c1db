package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Email     EmailConfig
	Queue     QueueConfig
	RateLimit RateLimitConfig
	Worker    WorkerConfig
	Scheduler SchedulerConfig
	Metrics   MetricsConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/atlas?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT validation settings for the admin API.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// EmailConfig holds the SMTP provider and sender identity settings.
type EmailConfig struct {
	FromAddress string
	FromName    string
	SMTPHost    string
	SMTPPort    int
	SMTPUser    string
	SMTPPass    string
	SendTimeout time.Duration // per provider call; well below the queue visibility timeout
}

// QueueConfig holds durable queue tuning.
type QueueConfig struct {
	VisibilityTimeout time.Duration // un-acked entries become redeliverable after this
	PollInterval      time.Duration // dequeue poll cadence when the queue is empty
	NackBaseDelay     time.Duration // base for exponential requeue backoff
	NackMaxDelay      time.Duration // cap for requeue backoff
	JanitorInterval   time.Duration // cadence for delayed-promotion and stalled-entry reclaim
}

// RateLimitConfig caps provider sends per fixed wall-clock window.
type RateLimitConfig struct {
	PerMinute int
	PerHour   int
}

// WorkerConfig holds worker pool settings.
type WorkerConfig struct {
	Count             int // concurrent job-processing slots per pool instance
	RecipientRetryMax int // per-recipient transient-failure ceiling
}

// SchedulerConfig holds scheduled-send promotion settings.
type SchedulerConfig struct {
	Interval time.Duration
}

// MetricsConfig holds the prometheus endpoint settings.
type MetricsConfig struct {
	Port string
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExpire, _ := strconv.Atoi(getEnv("JWT_EXPIRE_HOURS", "24"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/atlas?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "atlas"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: jwtExpire,
		},
		Email: EmailConfig{
			FromAddress: getEnv("EMAIL_FROM_ADDRESS", "noreply@atlas-academy.io"),
			FromName:    getEnv("EMAIL_FROM_NAME", "Atlas Academy"),
			SMTPHost:    getEnv("SMTP_HOST", ""),
			SMTPPort:    getEnvInt("SMTP_PORT", 587),
			SMTPUser:    getEnv("SMTP_USER", ""),
			SMTPPass:    getEnv("SMTP_PASS", ""),
			SendTimeout: getEnvDuration("SMTP_SEND_TIMEOUT", 10*time.Second),
		},
		Queue: QueueConfig{
			VisibilityTimeout: getEnvDuration("QUEUE_VISIBILITY_TIMEOUT", 5*time.Minute),
			PollInterval:      getEnvDuration("QUEUE_POLL_INTERVAL", time.Second),
			NackBaseDelay:     getEnvDuration("QUEUE_NACK_BASE_DELAY", 10*time.Second),
			NackMaxDelay:      getEnvDuration("QUEUE_NACK_MAX_DELAY", 10*time.Minute),
			JanitorInterval:   getEnvDuration("QUEUE_JANITOR_INTERVAL", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			PerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 10),
			PerHour:   getEnvInt("RATE_LIMIT_PER_HOUR", 100),
		},
		Worker: WorkerConfig{
			Count:             getEnvInt("WORKER_COUNT", 5),
			RecipientRetryMax: getEnvInt("RECIPIENT_RETRY_MAX", 3),
		},
		Scheduler: SchedulerConfig{
			Interval: getEnvDuration("SCHEDULER_INTERVAL", time.Minute),
		},
		Metrics: MetricsConfig{
			Port: getEnv("METRICS_PORT", "9090"),
		},
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
