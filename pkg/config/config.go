package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the signal bridge.
type Config struct {
	Port string

	// Database
	DBPath string

	// Signal queue
	QueueSize        int
	QueueWALEnabled  bool
	QueueWALPath     string
	DuplicateWindow  time.Duration
	QueueMaxRetries  int
	QueueRetryBase   time.Duration
	ProcessedSignals int // idempotency retention cap

	// Broker
	BrokerLiveURL    string
	BrokerDemoURL    string
	BrokerAPIKey     string
	BrokerIdentifier string
	BrokerPassword   string
	BrokerDemo       bool
	BrokerTimeout    time.Duration

	// Market data
	StreamLiveURL     string
	StreamDemoURL     string
	QuoteFreshness    time.Duration
	QuoteWaitTimeout  time.Duration
	ConnIdleTimeout   time.Duration
	ConnMaxAttempts   int
	MaxSpreadRatio    float64
	UseMockStream     bool
	StreamPingSeconds int

	// Execution
	ExecAttempts     int
	ExecBackoff      time.Duration
	DefaultOrderSize float64

	// Policy
	PolicyPath string

	// Instrument table overrides
	InstrumentsPath string

	// Auth for read endpoints
	JWTSecret string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:              getEnv("PORT", "8080"),
		DBPath:            getEnv("DB_PATH", "./data/signal_bridge.db"),
		QueueSize:         getEnvInt("QUEUE_SIZE", 256),
		QueueWALEnabled:   getEnv("QUEUE_WAL_ENABLED", "true") == "true",
		QueueWALPath:      getEnv("QUEUE_WAL_PATH", "./data/signal_wal"),
		DuplicateWindow:   getEnvDuration("DUPLICATE_WINDOW", 30*time.Second),
		QueueMaxRetries:   getEnvInt("QUEUE_MAX_RETRIES", 3),
		QueueRetryBase:    getEnvDuration("QUEUE_RETRY_BASE", 2*time.Second),
		ProcessedSignals:  getEnvInt("PROCESSED_SIGNALS_CAP", 1000),
		BrokerLiveURL:     getEnv("BROKER_LIVE_URL", "https://api-capital.backend-capital.com"),
		BrokerDemoURL:     getEnv("BROKER_DEMO_URL", "https://demo-api-capital.backend-capital.com"),
		BrokerAPIKey:      os.Getenv("BROKER_API_KEY"),
		BrokerIdentifier:  os.Getenv("BROKER_IDENTIFIER"),
		BrokerPassword:    os.Getenv("BROKER_PASSWORD"),
		BrokerDemo:        getEnv("BROKER_DEMO", "true") == "true",
		BrokerTimeout:     getEnvDuration("BROKER_TIMEOUT", 10*time.Second),
		StreamLiveURL:     getEnv("STREAM_LIVE_URL", "wss://api-streaming-capital.backend-capital.com/connect"),
		StreamDemoURL:     getEnv("STREAM_DEMO_URL", "wss://demo-api-streaming-capital.backend-capital.com/connect"),
		QuoteFreshness:    getEnvDuration("QUOTE_FRESHNESS", 10*time.Second),
		QuoteWaitTimeout:  getEnvDuration("QUOTE_WAIT_TIMEOUT", 5*time.Second),
		ConnIdleTimeout:   getEnvDuration("CONN_IDLE_TIMEOUT", 30*time.Second),
		ConnMaxAttempts:   getEnvInt("CONN_MAX_ATTEMPTS", 5),
		MaxSpreadRatio:    getEnvFloat("MAX_SPREAD_RATIO", 0.05),
		UseMockStream:     getEnv("USE_MOCK_STREAM", "false") == "true",
		StreamPingSeconds: getEnvInt("STREAM_PING_SECONDS", 10),
		ExecAttempts:      getEnvInt("EXEC_ATTEMPTS", 3),
		ExecBackoff:       getEnvDuration("EXEC_BACKOFF", 2*time.Second),
		DefaultOrderSize:  getEnvFloat("DEFAULT_ORDER_SIZE", 1),
		PolicyPath:        getEnv("POLICY_PATH", "./config/policies.yaml"),
		InstrumentsPath:   getEnv("INSTRUMENTS_PATH", ""),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(strings.TrimSuffix(v, "s")); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}
