package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the credbroker server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Crypto    CryptoConfig
	Pool      PoolConfig
	Scheduler SchedulerConfig
	Provider  ProviderConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type CryptoConfig struct {
	MasterSecret string
}

type PoolConfig struct {
	LockTTL             time.Duration
	HealthCheckInterval time.Duration
	MinHealthyCount     int
	EmergencyMaxInUse   int
	DefaultDailyLimit   int
}

type SchedulerConfig struct {
	Concurrency     int
	DispatchPerSec  float64
	MaxAttempts     int
	RetryBaseDelay  time.Duration
	StallTimeout    time.Duration
	MaintainEvery   time.Duration
	DequeueInterval time.Duration
}

type ProviderConfig struct {
	Kind        string // "http" or "mock"
	BaseURL     string
	ValidateURL string
	Timeout     time.Duration
}

var validProviderKinds = map[string]bool{
	"http": true,
	"mock": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("CREDBROKER_PORT", 8080),
			Env:  envString("CREDBROKER_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Crypto: CryptoConfig{
			MasterSecret: os.Getenv("CREDBROKER_MASTER_SECRET"),
		},
		Pool: PoolConfig{
			// Must comfortably outlast PROVIDER_TIMEOUT so a lock cannot
			// lapse under a slow in-flight call.
			LockTTL:             envDuration("POOL_LOCK_TTL", 5*time.Minute),
			HealthCheckInterval: envDuration("POOL_HEALTH_CHECK_INTERVAL", 5*time.Minute),
			MinHealthyCount:     envInt("POOL_MIN_HEALTHY", 3),
			EmergencyMaxInUse:   envInt("POOL_EMERGENCY_MAX_IN_USE", 10),
			DefaultDailyLimit:   envInt("POOL_DEFAULT_DAILY_LIMIT", 500),
		},
		Scheduler: SchedulerConfig{
			Concurrency:     envInt("SCHEDULER_CONCURRENCY", 50),
			DispatchPerSec:  envFloat("SCHEDULER_DISPATCH_PER_SEC", 25),
			MaxAttempts:     envInt("SCHEDULER_MAX_ATTEMPTS", 3),
			RetryBaseDelay:  envDuration("SCHEDULER_RETRY_BASE_DELAY", 2*time.Second),
			StallTimeout:    envDuration("SCHEDULER_STALL_TIMEOUT", 10*time.Minute),
			MaintainEvery:   envDuration("SCHEDULER_MAINTAIN_INTERVAL", time.Second),
			DequeueInterval: envDuration("SCHEDULER_DEQUEUE_INTERVAL", 250*time.Millisecond),
		},
		Provider: ProviderConfig{
			Kind:        envString("PROVIDER_KIND", "http"),
			BaseURL:     os.Getenv("PROVIDER_BASE_URL"),
			ValidateURL: os.Getenv("PROVIDER_VALIDATE_URL"),
			Timeout:     envDuration("PROVIDER_TIMEOUT", 120*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Crypto.MasterSecret == "" {
		return fmt.Errorf("CREDBROKER_MASTER_SECRET is required")
	}
	if len(c.Crypto.MasterSecret) < 16 {
		return fmt.Errorf("CREDBROKER_MASTER_SECRET must be at least 16 characters")
	}

	if !validProviderKinds[c.Provider.Kind] {
		return fmt.Errorf("PROVIDER_KIND must be one of http, mock; got %q", c.Provider.Kind)
	}
	if c.Provider.Kind == "http" {
		if c.Provider.BaseURL == "" {
			return fmt.Errorf("PROVIDER_BASE_URL is required when PROVIDER_KIND is http")
		}
		if !strings.HasPrefix(c.Provider.BaseURL, "http://") && !strings.HasPrefix(c.Provider.BaseURL, "https://") {
			return fmt.Errorf("PROVIDER_BASE_URL must start with http:// or https://, got %q", c.Provider.BaseURL)
		}
	}

	if c.Scheduler.Concurrency <= 0 {
		return fmt.Errorf("SCHEDULER_CONCURRENCY must be positive, got %d", c.Scheduler.Concurrency)
	}
	if c.Scheduler.MaxAttempts <= 0 {
		return fmt.Errorf("SCHEDULER_MAX_ATTEMPTS must be positive, got %d", c.Scheduler.MaxAttempts)
	}
	if c.Pool.LockTTL < time.Second {
		return fmt.Errorf("POOL_LOCK_TTL must be at least 1s, got %s", c.Pool.LockTTL)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
