package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"integrate_clickhouse/integrate"
	"integrate_clickhouse/models"
	"integrate_clickhouse/ws"

	"github.com/joho/godotenv"
)

type Config struct {
	App        AppConfig
	Integrate  IntegrateConfig
	Stream     StreamConfig
	ClickHouse ClickHouseConfig
	Metrics    MetricsConfig
}

type AppConfig struct {
	Environment     string
	LogLevel        string
	LogDir          string
	NumWorkers      int
	BufferSize      int
	BatchSize       int
	FlushInterval   time.Duration
	ShutdownTimeout time.Duration
}

type IntegrateConfig struct {
	AuthURL   string
	APIToken  string
	APISecret string

	// Previously issued session, used instead of logging in when WSSessionKey is set.
	UID           string
	ActID         string
	APISessionKey string
	WSSessionKey  string
}

type StreamConfig struct {
	URL                string
	Source             string
	DecisionInterval   time.Duration
	HeartbeatThreshold time.Duration
	IdleTimeout        time.Duration
	HandshakeTimeout   time.Duration
	DialTimeout        time.Duration
	Touchline          []models.SymbolKey
	Depth              []models.SymbolKey
	OrderUpdates       bool
	Reconnect          bool
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	// BackoffMaxElapsed of zero retries forever.
	BackoffMaxElapsed time.Duration
}

type ClickHouseConfig struct {
	Enabled         bool
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	DialTimeout     time.Duration
	QueryTimeout    time.Duration
	Debug           bool
}

type MetricsConfig struct {
	Addr string
}

// Load reads envFile when it exists, then the process environment. Variables
// already set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg := &Config{}

	// App settings
	cfg.App.Environment = getEnvOrDefault("APP_ENV", "production")
	cfg.App.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.App.LogDir = getEnvOrDefault("LOG_DIR", "logs")
	cfg.App.NumWorkers = getEnvAsIntOrDefault("NUM_WORKERS", 1)
	cfg.App.BufferSize = getEnvAsIntOrDefault("BUFFER_SIZE", 1000)
	cfg.App.BatchSize = getEnvAsIntOrDefault("BATCH_SIZE", 1000)
	cfg.App.FlushInterval = getEnvAsDurationOrDefault("FLUSH_INTERVAL", 5*time.Second)
	cfg.App.ShutdownTimeout = getEnvAsDurationOrDefault("SHUTDOWN_TIMEOUT", 10*time.Second)

	// Integrate login
	cfg.Integrate.AuthURL = getEnvOrDefault("INTEGRATE_AUTH_URL", integrate.DefaultAuthURL)
	cfg.Integrate.APIToken = os.Getenv("INTEGRATE_API_TOKEN")
	cfg.Integrate.APISecret = os.Getenv("INTEGRATE_API_SECRET")
	cfg.Integrate.UID = os.Getenv("INTEGRATE_UID")
	cfg.Integrate.ActID = os.Getenv("INTEGRATE_ACTID")
	cfg.Integrate.APISessionKey = os.Getenv("INTEGRATE_API_SESSION_KEY")
	cfg.Integrate.WSSessionKey = os.Getenv("INTEGRATE_WS_SESSION_KEY")

	// Stream settings
	cfg.Stream.URL = getEnvOrDefault("STREAM_URL", ws.DefaultURL)
	cfg.Stream.Source = getEnvOrDefault("STREAM_SOURCE", ws.DefaultSource)
	cfg.Stream.DecisionInterval = getEnvAsDurationOrDefault("STREAM_DECISION_INTERVAL", ws.DefaultDecisionInterval)
	cfg.Stream.HeartbeatThreshold = getEnvAsDurationOrDefault("STREAM_HEARTBEAT_THRESHOLD", ws.DefaultHeartbeatThreshold)
	cfg.Stream.IdleTimeout = getEnvAsDurationOrDefault("STREAM_MAX_IDLE", ws.DefaultIdleTimeout)
	cfg.Stream.HandshakeTimeout = getEnvAsDurationOrDefault("STREAM_HANDSHAKE_TIMEOUT", ws.DefaultHandshakeTimeout)
	cfg.Stream.DialTimeout = getEnvAsDurationOrDefault("STREAM_DIAL_TIMEOUT", ws.DefaultDialTimeout)
	cfg.Stream.OrderUpdates = getEnvAsBoolOrDefault("STREAM_ORDER_UPDATES", false)
	cfg.Stream.Reconnect = getEnvAsBoolOrDefault("STREAM_RECONNECT", true)
	cfg.Stream.BackoffInitial = getEnvAsDurationOrDefault("STREAM_BACKOFF_INITIAL", 1*time.Second)
	cfg.Stream.BackoffMax = getEnvAsDurationOrDefault("STREAM_BACKOFF_MAX", 30*time.Second)
	cfg.Stream.BackoffMaxElapsed = getEnvAsDurationOrDefault("STREAM_BACKOFF_MAX_ELAPSED", 0)

	var err error
	if cfg.Stream.Touchline, err = models.ParseSymbolKeys(os.Getenv("STREAM_TOUCHLINE")); err != nil {
		return nil, fmt.Errorf("STREAM_TOUCHLINE: %w", err)
	}
	if cfg.Stream.Depth, err = models.ParseSymbolKeys(os.Getenv("STREAM_DEPTH")); err != nil {
		return nil, fmt.Errorf("STREAM_DEPTH: %w", err)
	}

	// ClickHouse settings
	cfg.ClickHouse.Enabled = getEnvAsBoolOrDefault("CLICKHOUSE_ENABLED", true)
	cfg.ClickHouse.Host = getEnvOrDefault("CLICKHOUSE_HOST", "localhost")
	cfg.ClickHouse.Port = getEnvAsIntOrDefault("CLICKHOUSE_PORT", 9000)
	cfg.ClickHouse.User = getEnvOrDefault("CLICKHOUSE_USER", "default")
	cfg.ClickHouse.Password = os.Getenv("CLICKHOUSE_PASSWORD")
	cfg.ClickHouse.Database = getEnvOrDefault("CLICKHOUSE_DB", "default")
	cfg.ClickHouse.MaxOpenConns = getEnvAsIntOrDefault("CLICKHOUSE_MAX_OPEN_CONNS", 10)
	cfg.ClickHouse.MaxIdleConns = getEnvAsIntOrDefault("CLICKHOUSE_MAX_IDLE_CONNS", 5)
	cfg.ClickHouse.ConnMaxLifetime = time.Duration(getEnvAsIntOrDefault("CLICKHOUSE_CONN_MAX_LIFETIME_MINS", 60)) * time.Minute
	cfg.ClickHouse.DialTimeout = getEnvAsDurationOrDefault("CLICKHOUSE_DIAL_TIMEOUT", 5*time.Second)
	cfg.ClickHouse.QueryTimeout = time.Duration(getEnvAsIntOrDefault("CLICKHOUSE_QUERY_TIMEOUT_SECS", 30)) * time.Second
	cfg.ClickHouse.Debug = cfg.App.Environment != "production"

	// Metrics
	cfg.Metrics.Addr = getEnvOrDefault("METRICS_ADDR", ":8080")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.App.NumWorkers > 0, "NUM_WORKERS must be positive, got %d", c.App.NumWorkers)
	check(c.App.BufferSize > 0, "BUFFER_SIZE must be positive, got %d", c.App.BufferSize)
	check(c.App.BatchSize > 0, "BATCH_SIZE must be positive, got %d", c.App.BatchSize)
	check(c.App.FlushInterval > 0, "FLUSH_INTERVAL must be positive")

	check(c.Integrate.WSSessionKey != "" || (c.Integrate.APIToken != "" && c.Integrate.APISecret != ""),
		"either INTEGRATE_WS_SESSION_KEY or INTEGRATE_API_TOKEN and INTEGRATE_API_SECRET are required")
	if c.Integrate.WSSessionKey != "" {
		check(c.Integrate.UID != "" && c.Integrate.ActID != "",
			"INTEGRATE_UID and INTEGRATE_ACTID are required with INTEGRATE_WS_SESSION_KEY")
	}

	check(strings.HasPrefix(c.Stream.URL, "ws://") || strings.HasPrefix(c.Stream.URL, "wss://"),
		"STREAM_URL must be a ws:// or wss:// url, got %q", c.Stream.URL)
	check(c.Stream.DecisionInterval > 0, "STREAM_DECISION_INTERVAL must be positive")
	check(c.Stream.HeartbeatThreshold > 0, "STREAM_HEARTBEAT_THRESHOLD must be positive")
	check(c.Stream.IdleTimeout >= 0, "STREAM_MAX_IDLE must not be negative")
	check(c.Stream.HandshakeTimeout > 0, "STREAM_HANDSHAKE_TIMEOUT must be positive")
	check(c.Stream.BackoffInitial > 0 && c.Stream.BackoffMax >= c.Stream.BackoffInitial,
		"STREAM_BACKOFF_INITIAL must be positive and not above STREAM_BACKOFF_MAX")

	if c.ClickHouse.Enabled {
		check(c.ClickHouse.Port > 0 && c.ClickHouse.Port < 65536, "CLICKHOUSE_PORT out of range: %d", c.ClickHouse.Port)
		check(c.ClickHouse.Host != "", "CLICKHOUSE_HOST is required")
	}

	return errors.Join(errs...)
}

// Credentials returns the cached session when one is configured.
func (c IntegrateConfig) Credentials() (integrate.Credentials, bool) {
	if c.WSSessionKey == "" {
		return integrate.Credentials{}, false
	}
	return integrate.NewCredentials(c.UID, c.ActID, c.APISessionKey, c.WSSessionKey), true
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvAsDurationOrDefault accepts Go durations ("750ms") or whole seconds ("30").
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
