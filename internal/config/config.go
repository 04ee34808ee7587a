package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string
	LogLevel     string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Webhook provider secrets. The Polar secret follows the Standard
	// Webhooks convention: "whsec_" + base64(key).
	PolarWebhookSecret    string
	RazorpayWebhookSecret string
	RazorpayKeySecret     string

	CronSecret  string
	AdminAPIKey string

	QueueMaxAttempts    int
	QueueBackoffBase    time.Duration
	QueueCleanupGrace   time.Duration
	SchedulerInterval   time.Duration
	SchedulerBatchSize  int
	RateLimitEnabled    bool
	BalanceCacheTTL     time.Duration
	WebhookReplayWindow time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "craft"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		LogLevel:     getenv("LOG_LEVEL", "info"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "craft"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),

		RedisEnabled:  getenvBool("REDIS_ENABLED", true),
		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		PolarWebhookSecret:    strings.TrimSpace(getenv("POLAR_WEBHOOK_SECRET", "")),
		RazorpayWebhookSecret: strings.TrimSpace(getenv("RAZORPAY_WEBHOOK_SECRET", "")),
		RazorpayKeySecret:     strings.TrimSpace(getenv("RAZORPAY_KEY_SECRET", "")),

		CronSecret:  strings.TrimSpace(getenv("CRON_SECRET", "")),
		AdminAPIKey: strings.TrimSpace(getenv("ADMIN_API_KEY", "")),

		QueueMaxAttempts:    getenvInt("WEBHOOK_QUEUE_MAX_ATTEMPTS", 5),
		QueueBackoffBase:    getenvDuration("WEBHOOK_QUEUE_BACKOFF_BASE", time.Minute),
		QueueCleanupGrace:   getenvDuration("WEBHOOK_QUEUE_CLEANUP_GRACE", 7*24*time.Hour),
		SchedulerInterval:   getenvDuration("SCHEDULER_INTERVAL", time.Minute),
		SchedulerBatchSize:  getenvInt("SCHEDULER_BATCH_SIZE", 50),
		RateLimitEnabled:    getenvBool("RATE_LIMIT_ENABLED", true),
		BalanceCacheTTL:     getenvDuration("BALANCE_CACHE_TTL", 5*time.Second),
		WebhookReplayWindow: getenvDuration("WEBHOOK_REPLAY_WINDOW", 5*time.Minute),
	}
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Module wires application configuration.
var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewBillingPolicyHolder),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
