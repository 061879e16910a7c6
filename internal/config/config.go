package config

import (
	"fmt"
	"os"
	"time"
)

// Config represents the complete application configuration. Settings
// holds the parsed settings file so consumers don't re-read it.
type Config struct {
	SettingsPath  string
	Settings      Settings
	NVD           NVDConfig
	Cache         CacheConfig
	Queue         QueueConfig
	Worker        WorkerConfig
	StateStore    StateStoreConfig
	API           APIConfig
	Policy        PolicyConfig
	Observability ObservabilityConfig
}

// NVDConfig configures the external vulnerability-database client
type NVDConfig struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	RetryAttempts  int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	ResultsPerPage int
}

// RequestsPerMinute resolves the rate ceiling from the credential tier.
// NVD grants 10 requests/minute without an API key and 120 with one.
// The tier is resolved once at startup; it is not hot-reloaded.
func (c NVDConfig) RequestsPerMinute() int {
	if c.APIKey != "" {
		return 120
	}
	return 10
}

// CacheConfig configures the durable lookup cache
type CacheConfig struct {
	// TTL is the validity window for successful lookup results
	TTL time.Duration

	// FailureCooldown is the shorter validity window for failure
	// placeholders, so repeated permanent failures don't re-trigger
	// external calls back to back
	FailureCooldown time.Duration
}

// QueueConfig configures the in-memory ingest queue
type QueueConfig struct {
	BufferSize int
}

// WorkerConfig configures the ingestion worker pool
type WorkerConfig struct {
	Concurrency    int
	PollInterval   time.Duration
	RescanInterval time.Duration
}

// StateStoreConfig configures the state store
type StateStoreConfig struct {
	SQLitePath string
}

// APIConfig configures the HTTP API server
type APIConfig struct {
	Enabled  bool
	Port     int
	APIKey   string
	ReadOnly bool
}

// PolicyConfig configures host compliance evaluation
type PolicyConfig struct {
	Expression     string
	FailureMessage string
}

// ObservabilityConfig configures logging and metrics
type ObservabilityConfig struct {
	LogLevel        string
	MetricsPort     int
	HealthCheckPort int
}

// Load loads configuration from environment variables, layered on top of
// defaults from the optional settings file
func Load() (*Config, error) {
	settingsPath := getEnv("HOSTSENTRY_CONFIG", "hostsentry.yml")

	// Settings file supplies defaults for the tunables the operator most
	// often adjusts; environment variables override it.
	settings, err := ParseSettings(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to parse settings file: %w", err)
	}

	cfg := &Config{
		SettingsPath: settingsPath,
		Settings:     settings,
		NVD: NVDConfig{
			BaseURL:        getEnv("NVD_BASE_URL", "https://services.nvd.nist.gov/rest/json/cves/2.0"),
			APIKey:         getEnv("NVD_API_KEY", ""),
			Timeout:        getEnvDuration("NVD_TIMEOUT", 10*time.Second),
			RetryAttempts:  getEnvInt("NVD_RETRY_ATTEMPTS", 3),
			BackoffBase:    getEnvDuration("NVD_BACKOFF_BASE", time.Second),
			BackoffCap:     getEnvDuration("NVD_BACKOFF_CAP", 8*time.Second),
			ResultsPerPage: getEnvInt("NVD_RESULTS_PER_PAGE", 50),
		},
		Cache: CacheConfig{
			TTL:             getEnvDuration("CACHE_TTL", settings.CacheTTL),
			FailureCooldown: getEnvDuration("CACHE_FAILURE_COOLDOWN", settings.FailureCooldown),
		},
		Queue: QueueConfig{
			BufferSize: getEnvInt("QUEUE_BUFFER_SIZE", 1000),
		},
		Worker: WorkerConfig{
			Concurrency:    getEnvInt("WORKER_CONCURRENCY", 4),
			PollInterval:   getEnvDuration("WORKER_POLL_INTERVAL", time.Minute),
			RescanInterval: getEnvDuration("RESCAN_INTERVAL", settings.RescanInterval),
		},
		StateStore: StateStoreConfig{
			SQLitePath: getEnv("SQLITE_PATH", "hostsentry.db"),
		},
		API: APIConfig{
			Enabled:  getEnvBool("API_ENABLED", true),
			Port:     getEnvInt("API_PORT", 8080),
			APIKey:   getEnv("API_KEY", ""),
			ReadOnly: getEnvBool("API_READ_ONLY", false),
		},
		Policy: PolicyConfig{
			Expression:     getEnv("POLICY_EXPRESSION", settings.PolicyExpression),
			FailureMessage: getEnv("POLICY_FAILURE_MESSAGE", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:        getEnv("LOG_LEVEL", "info"),
			MetricsPort:     getEnvInt("METRICS_PORT", 9090),
			HealthCheckPort: getEnvInt("HEALTH_CHECK_PORT", 8081),
		},
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.NVD.BaseURL == "" {
		return fmt.Errorf("NVD base URL is required")
	}

	if c.NVD.RetryAttempts < 1 {
		return fmt.Errorf("NVD retry attempts must be at least 1")
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}

	if c.Cache.FailureCooldown <= 0 {
		return fmt.Errorf("cache failure cooldown must be positive")
	}

	if c.Queue.BufferSize <= 0 {
		return fmt.Errorf("queue buffer size must be positive")
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be positive")
	}

	if c.StateStore.SQLitePath == "" {
		return fmt.Errorf("sqlite path is required")
	}

	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("invalid API port: %d", c.API.Port)
	}

	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intValue int
		if _, err := fmt.Sscanf(value, "%d", &intValue); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
