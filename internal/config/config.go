// Package config loads the application configuration from a yaml file and
// environment variables using cleanenv.
package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config represents the application configuration structure.
// It contains settings for the environment, the dispatcher, the rate limiter,
// the memory monitor, the HTTP fetcher and the metrics endpoint.
type Config struct {
	// Environment specifies the current running environment (development, production, etc.)
	Environment string `env:"ENVIRONMENT" env-default:"development" yaml:"environment"`

	// Dispatcher contains the strategy choice and the scheduling settings of both dispatch strategies
	Dispatcher struct {
		// Strategy selects the dispatch strategy ("memory" or "semaphore")
		Strategy string `env:"DISPATCHER_STRATEGY" env-default:"memory" yaml:"strategy"`
		// MaxSessionPermit caps the number of in-flight crawl tasks
		MaxSessionPermit int `env:"DISPATCHER_MAX_SESSION_PERMIT" env-default:"20" yaml:"maxSessionPermit"`
		// SemaphoreCount is the fixed concurrency of the semaphore strategy
		SemaphoreCount int `env:"DISPATCHER_SEMAPHORE_COUNT" env-default:"5" yaml:"semaphoreCount"`
		// FairnessTimeout is the wait beyond which a queued task is promoted ahead of fresher work
		FairnessTimeout time.Duration `env:"DISPATCHER_FAIRNESS_TIMEOUT" env-default:"10m" yaml:"fairnessTimeout"`
	} `yaml:"dispatcher"`

	// RateLimiter contains per-domain politeness settings
	RateLimiter struct {
		// BaseDelayMin is the lower bound of the initial per-domain delay range
		BaseDelayMin time.Duration `env:"RATE_LIMITER_BASE_DELAY_MIN" env-default:"1s" yaml:"baseDelayMin"`
		// BaseDelayMax is the upper bound of the initial per-domain delay range
		BaseDelayMax time.Duration `env:"RATE_LIMITER_BASE_DELAY_MAX" env-default:"3s" yaml:"baseDelayMax"`
		// MaxDelay caps the client-side exponential backoff; server-supplied
		// Retry-After values may exceed it
		MaxDelay time.Duration `env:"RATE_LIMITER_MAX_DELAY" env-default:"1m" yaml:"maxDelay"`
		// MaxRetries is the number of consecutive rate-limited responses per
		// domain before giving up on a task
		MaxRetries int `env:"RATE_LIMITER_MAX_RETRIES" env-default:"3" yaml:"maxRetries"`
		// RateLimitCodes lists the HTTP status codes treated as rate limiting
		RateLimitCodes []int `env:"RATE_LIMITER_CODES" env-default:"429,503" yaml:"rateLimitCodes"`
	} `yaml:"rateLimiter"`

	// Memory contains memory monitor thresholds and cadence
	Memory struct {
		// ThresholdPercent is the used-memory percentage at which the monitor enters PRESSURE
		ThresholdPercent float64 `env:"MEMORY_THRESHOLD_PERCENT" env-default:"90" yaml:"thresholdPercent"`
		// CriticalThresholdPercent is the used-memory percentage at which the monitor enters CRITICAL
		CriticalThresholdPercent float64 `env:"MEMORY_CRITICAL_THRESHOLD_PERCENT" env-default:"95" yaml:"criticalThresholdPercent"` //nolint: lll
		// RecoveryThresholdPercent is the used-memory percentage at which the monitor returns to NORMAL
		RecoveryThresholdPercent float64 `env:"MEMORY_RECOVERY_THRESHOLD_PERCENT" env-default:"85" yaml:"recoveryThresholdPercent"` //nolint: lll
		// CheckInterval is the memory sampling cadence
		CheckInterval time.Duration `env:"MEMORY_CHECK_INTERVAL" env-default:"1s" yaml:"checkInterval"`
	} `yaml:"memory"`

	// Fetcher contains settings for the built-in HTTP crawler
	Fetcher struct {
		// UserAgent is sent with every request
		UserAgent string `env:"FETCHER_USER_AGENT" env-default:"crawld/1.0" yaml:"userAgent"`
		// RequestTimeout bounds a single fetch
		RequestTimeout time.Duration `env:"FETCHER_REQUEST_TIMEOUT" env-default:"30s" yaml:"requestTimeout"`
		// MaxBodyBytes caps how much of a response body is read
		MaxBodyBytes int64 `env:"FETCHER_MAX_BODY_BYTES" env-default:"10485760" yaml:"maxBodyBytes"`
	} `yaml:"fetcher"`

	// Metrics contains the Prometheus endpoint settings
	Metrics struct {
		// Addr is the address the metrics server listens on; empty disables it
		Addr string `env:"METRICS_ADDR" env-default:"" yaml:"addr"`
		// Path defines the URL path where metrics are exposed
		Path string `env:"METRICS_PATH" env-default:"/metrics" yaml:"path"`
	} `yaml:"metrics"`

	// GracefulShutdownTimeout is the maximum duration to wait for in-flight tasks during shutdown
	GracefulShutdownTimeout time.Duration `env:"GRACEFUL_SHUTDOWN_TIMEOUT" env-default:"10s" yaml:"gracefulShutdownTimeout"` //nolint: lll
}

// Load receives the path for yaml config file and returns a filled Config struct.
// A missing file is not an error; defaults and environment variables apply.
func Load(configPath string) (*Config, error) {
	var cfg Config
	err := cleanenv.ReadConfig(configPath, &cfg)
	if err != nil {
		// fall back to env-only configuration when no config file is present
		if envErr := cleanenv.ReadEnv(&cfg); envErr != nil {
			return nil, fmt.Errorf("could not read config: %w", err)
		}
	}

	return &cfg, nil
}
