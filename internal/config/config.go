package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

// Config is the immutable process configuration, built once at startup from
// environment variables. Components receive it (or a sub-config) by value and
// never read the environment themselves.
type Config struct {
	Proxy   ProxyConfig
	Breaker BreakerConfig
	Client  ClientConfig
	Health  HealthConfig
	API     APIConfig
	Storage StorageConfig
	Metrics MetricsConfig
	Logging LoggingConfig
}

type ProxyConfig struct {
	Enabled     bool
	ProviderURL string
	Username    string
	Password    string
	TTL         time.Duration
}

type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

type ClientConfig struct {
	MaxRetries       int
	BackoffBase      int
	BackoffMax       time.Duration
	JitterMax        time.Duration
	RequestTimeout   time.Duration
	MaxIdleConns     int
	IdleConnsPerHost int
}

type HealthConfig struct {
	ConsecutiveFailureLimit int
	MinSamples              int
	MinSuccessRate          float64
	BlacklistTTL            time.Duration
}

type APIConfig struct {
	Addr               string
	APIKeyEnv          string
	RateLimitPerMinute int
	EnableAPIKeyAuth   bool
	EnableIPRateLimit  bool
}

type StorageConfig struct {
	Type            string // "file", "sqlite", "redis"
	Path            string
	PersistInterval time.Duration
}

type MetricsConfig struct {
	Enabled   bool
	Endpoint  string
	Namespace string
}

type LoggingConfig struct {
	Level string
}

// Load builds the configuration from the environment, applying documented
// defaults for anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		Proxy: ProxyConfig{
			Enabled:     envBool("PROXY_ENABLED", true),
			ProviderURL: os.Getenv("PROXY_PROVIDER_URL"),
			Username:    os.Getenv("PROXY_USERNAME"),
			Password:    os.Getenv("PROXY_PASSWORD"),
			TTL:         envSeconds("PROXY_TTL_SECONDS", 3600),
		},
		Breaker: BreakerConfig{
			FailureThreshold: envInt("CIRCUIT_BREAKER_THRESHOLD", 3),
			Cooldown:         envSeconds("CIRCUIT_BREAKER_COOLDOWN_SECONDS", 60),
		},
		Client: ClientConfig{
			MaxRetries:       envInt("MAX_RETRIES", 5),
			BackoffBase:      envInt("BACKOFF_BASE", 2),
			BackoffMax:       envSeconds("BACKOFF_MAX_SECONDS", 30),
			JitterMax:        time.Duration(envInt("BACKOFF_JITTER_MAX_MS", 1000)) * time.Millisecond,
			RequestTimeout:   envSeconds("REQUEST_TIMEOUT_SECONDS", 30),
			MaxIdleConns:     envInt("HTTP_MAX_IDLE_CONNS", 500),
			IdleConnsPerHost: envInt("HTTP_IDLE_CONNS_PER_HOST", 50),
		},
		Health: HealthConfig{
			ConsecutiveFailureLimit: envInt("HEALTH_CONSECUTIVE_FAILURE_LIMIT", 5),
			MinSamples:              envInt("HEALTH_MIN_SAMPLES", 10),
			MinSuccessRate:          0.5,
			BlacklistTTL:            envSeconds("BLACKLIST_TTL_SECONDS", 3600),
		},
		API: APIConfig{
			Addr:               envString("API_ADDR", ":8083"),
			APIKeyEnv:          envString("API_KEY_ENV", "PROXY_CLIENT_API_KEY"),
			RateLimitPerMinute: envInt("API_RATE_LIMIT_PER_MINUTE", 1200),
			EnableAPIKeyAuth:   envBool("API_ENABLE_KEY_AUTH", false),
			EnableIPRateLimit:  envBool("API_ENABLE_IP_RATE_LIMIT", true),
		},
		Storage: StorageConfig{
			Type:            envString("STORAGE_TYPE", "file"),
			Path:            envString("STORAGE_PATH", "/data/health.json"),
			PersistInterval: envSeconds("STORAGE_PERSIST_INTERVAL_SECONDS", 300),
		},
		Metrics: MetricsConfig{
			Enabled:   envBool("METRICS_ENABLED", true),
			Endpoint:  envString("METRICS_ENDPOINT", "/metrics"),
			Namespace: envString("METRICS_NAMESPACE", "proxyclient"),
		},
		Logging: LoggingConfig{
			Level: envString("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Proxy.Enabled && c.Proxy.ProviderURL == "" {
		return fmt.Errorf("PROXY_PROVIDER_URL is required when PROXY_ENABLED=true")
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("CIRCUIT_BREAKER_THRESHOLD must be >= 1")
	}
	if c.Breaker.Cooldown < time.Second {
		return fmt.Errorf("CIRCUIT_BREAKER_COOLDOWN_SECONDS must be >= 1")
	}
	if c.Client.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must be >= 0")
	}
	if c.Client.BackoffBase < 1 {
		return fmt.Errorf("BACKOFF_BASE must be >= 1")
	}
	if c.Health.ConsecutiveFailureLimit < 1 {
		return fmt.Errorf("HEALTH_CONSECUTIVE_FAILURE_LIMIT must be >= 1")
	}
	if c.Storage.Type != "file" && c.Storage.Type != "sqlite" && c.Storage.Type != "redis" {
		return fmt.Errorf("storage type must be 'file', 'sqlite', or 'redis'")
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warnf("Invalid integer for %s=%q, using default %d", key, v, def)
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warnf("Invalid boolean for %s=%q, using default %v", key, v, def)
		return def
	}
	return b
}

func envSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(envInt(key, defSeconds)) * time.Second
}
