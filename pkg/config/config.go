package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Mode selects the runtime posture. PROD tightens the egress policy and
// forces quarantine payload storage off.
type Mode string

const (
	ModeDev  Mode = "DEV"
	ModeProd Mode = "PROD"
)

// Config holds configuration shared by all Pulse services plus the
// per-service sections. Everything comes from the process environment;
// in DEV a .env file is loaded first if present.
type Config struct {
	Mode              Mode
	LogLevel          string
	DatabaseURL       string
	NotifyDatabaseURL string
	FallbackPoll      time.Duration
	Debounce          time.Duration

	Ingest     IngestConfig
	Evaluator  EvaluatorConfig
	Dispatcher DispatcherConfig
	Worker     WorkerConfig
}

// IngestConfig configures the MQTT ingest service.
type IngestConfig struct {
	MQTTHost     string
	MQTTPort     int
	MQTTTopic    string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string

	QueueSize   int
	WorkerCount int

	BatchSize     int
	FlushInterval time.Duration
	MaxBufferSize int
	SpoolPath     string

	MaxPayloadBytes int
	RateLimitRPS    float64
	RateLimitBurst  int

	// memory (default) or redis
	RateLimitBackend string
	RedisAddr        string

	AuthCacheTTL     time.Duration
	AuthCacheMaxSize int

	SettingsPoll  time.Duration
	RequireToken  bool
	AutoProvision bool

	QuarantineRetention time.Duration
}

// EvaluatorConfig configures the rule evaluator.
type EvaluatorConfig struct {
	HeartbeatStale time.Duration
	Poll           time.Duration
}

// DispatcherConfig configures the alert dispatcher.
type DispatcherConfig struct {
	AlertLookback time.Duration
	AlertLimit    int
	RouteLimit    int
}

// WorkerConfig configures the delivery worker.
type WorkerConfig struct {
	Poll          time.Duration
	BatchSize     int
	Timeout       time.Duration
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	StuckJobAfter time.Duration
	MQTTBrokerURL string
}

// Load loads configuration from environment variables.
func Load() *Config {
	if Mode(os.Getenv("MODE")) != ModeProd {
		// DEV convenience; a missing .env is not an error.
		_ = godotenv.Load()
	}

	mode := ModeDev
	if Mode(os.Getenv("MODE")) == ModeProd {
		mode = ModeProd
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = composeDatabaseURL()
	}

	notifyURL := os.Getenv("NOTIFY_DATABASE_URL")
	if notifyURL == "" {
		notifyURL = dbURL
	}

	return &Config{
		Mode:              mode,
		LogLevel:          envStr("LOG_LEVEL", "INFO"),
		DatabaseURL:       dbURL,
		NotifyDatabaseURL: notifyURL,
		FallbackPoll:      envSeconds("FALLBACK_POLL_SECONDS", 30),
		Debounce:          envSeconds("DEBOUNCE_SECONDS", 2),

		Ingest: IngestConfig{
			MQTTHost:            envStr("MQTT_HOST", "localhost"),
			MQTTPort:            envInt("MQTT_PORT", 1883),
			MQTTTopic:           envStr("MQTT_TOPIC", "tenant/+/device/+/+"),
			MQTTClientID:        envStr("MQTT_CLIENT_ID", "pulse-ingest"),
			MQTTUsername:        os.Getenv("MQTT_USERNAME"),
			MQTTPassword:        os.Getenv("MQTT_PASSWORD"),
			QueueSize:           envInt("INGEST_QUEUE_SIZE", 10000),
			WorkerCount:         envInt("INGEST_WORKER_COUNT", 4),
			BatchSize:           envInt("BATCH_SIZE", 500),
			FlushInterval:       envMillis("FLUSH_INTERVAL_MS", 1000),
			MaxBufferSize:       envInt("MAX_BUFFER_SIZE", 10000),
			SpoolPath:           os.Getenv("SPOOL_PATH"),
			MaxPayloadBytes:     envInt("MAX_PAYLOAD_BYTES", 65536),
			RateLimitRPS:        envFloat("RATE_LIMIT_RPS", 10),
			RateLimitBurst:      envInt("RATE_LIMIT_BURST", 20),
			RateLimitBackend:    envStr("RATE_LIMIT_BACKEND", "memory"),
			RedisAddr:           envStr("REDIS_ADDR", "localhost:6379"),
			AuthCacheTTL:        envSeconds("AUTH_CACHE_TTL_SECONDS", 60),
			AuthCacheMaxSize:    envInt("AUTH_CACHE_MAX_SIZE", 10000),
			SettingsPoll:        envSeconds("SETTINGS_POLL_SECONDS", 30),
			RequireToken:        envBool("REQUIRE_TOKEN", false),
			AutoProvision:       envBool("AUTO_PROVISION", false),
			QuarantineRetention: envHours("QUARANTINE_RETENTION_HOURS", 72),
		},

		Evaluator: EvaluatorConfig{
			HeartbeatStale: envSeconds("HEARTBEAT_STALE_SECONDS", 120),
			Poll:           envSeconds("POLL_SECONDS", 30),
		},

		Dispatcher: DispatcherConfig{
			AlertLookback: envMinutes("ALERT_LOOKBACK_MINUTES", 30),
			AlertLimit:    envInt("ALERT_LIMIT", 500),
			RouteLimit:    envInt("ROUTE_LIMIT", 200),
		},

		Worker: WorkerConfig{
			Poll:          envSeconds("WORKER_POLL_SECONDS", 5),
			BatchSize:     envInt("WORKER_BATCH_SIZE", 10),
			Timeout:       envSeconds("WORKER_TIMEOUT_SECONDS", 10),
			MaxAttempts:   envInt("WORKER_MAX_ATTEMPTS", 5),
			BackoffBase:   envSeconds("WORKER_BACKOFF_BASE_SECONDS", 30),
			BackoffMax:    envSeconds("WORKER_BACKOFF_MAX_SECONDS", 3600),
			StuckJobAfter: envMinutes("STUCK_JOB_MINUTES", 10),
			MQTTBrokerURL: envStr("MQTT_BROKER_URL", "mqtt://localhost:1883"),
		},
	}
}

// composeDatabaseURL builds a DSN from the PG_* parts when DATABASE_URL
// is not set.
func composeDatabaseURL() string {
	host := envStr("PG_HOST", "localhost")
	port := envStr("PG_PORT", "5432")
	db := envStr("PG_DB", "pulse")
	user := envStr("PG_USER", "pulse")
	pass := os.Getenv("PG_PASS")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, pass, host, port, db)
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=disable", user, host, port, db)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envSeconds(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Second
}

func envMillis(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Millisecond
}

func envMinutes(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Minute
}

func envHours(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Hour
}
