package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StoreConfig selects the transaction state store backend.
type StoreConfig struct {
	Backend     string // memory, postgres, redis
	PostgresDSN string
	RedisURL    string
}

// RetryConfig holds participant-call retry and breaker settings.
type RetryConfig struct {
	MaxAttempts         int
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
}

// ObservabilityConfig holds the HTTP address for metrics and events.
type ObservabilityConfig struct {
	Addr string
}

// LoadStore reads store config from env. The backend defaults to
// memory; postgres and redis require their connection setting.
func LoadStore() (StoreConfig, error) {
	cfg := StoreConfig{
		Backend:     strings.TrimSpace(os.Getenv("TX_STORE_BACKEND")),
		PostgresDSN: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:    strings.TrimSpace(os.Getenv("REDIS_URL")),
	}
	if cfg.Backend == "" {
		cfg.Backend = "memory"
	}
	switch cfg.Backend {
	case "memory":
	case "postgres":
		if cfg.PostgresDSN == "" {
			return cfg, fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	case "redis":
		if cfg.RedisURL == "" {
			return cfg, fmt.Errorf("REDIS_URL is required for the redis backend")
		}
	default:
		return cfg, fmt.Errorf("TX_STORE_BACKEND: unknown backend %q", cfg.Backend)
	}
	return cfg, nil
}

// LoadRetry reads retry config from env, with defaults suitable for
// local participants.
func LoadRetry() (RetryConfig, error) {
	cfg := RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
	if v, err := optionalInt("TX_RETRY_MAX_ATTEMPTS"); err != nil {
		return cfg, err
	} else if v != nil {
		cfg.MaxAttempts = *v
	}
	if d, err := optionalDuration("TX_RETRY_BASE_DELAY"); err != nil {
		return cfg, err
	} else if d != nil {
		cfg.BaseDelay = *d
	}
	if d, err := optionalDuration("TX_RETRY_MAX_DELAY"); err != nil {
		return cfg, err
	} else if d != nil {
		cfg.MaxDelay = *d
	}
	if v, err := optionalInt("TX_BREAKER_MAX_FAILURES"); err != nil {
		return cfg, err
	} else if v != nil {
		cfg.BreakerMaxFailures = *v
	}
	reset, err := requiredDurationIf(cfg.BreakerMaxFailures > 0, "TX_BREAKER_RESET_TIMEOUT")
	if err != nil {
		return cfg, err
	}
	cfg.BreakerResetTimeout = reset
	return cfg, nil
}

// LoadObservability reads the metrics/events listen address from env.
func LoadObservability() ObservabilityConfig {
	addr := strings.TrimSpace(os.Getenv("OBS_ADDR"))
	if addr == "" {
		addr = ":8081"
	}
	return ObservabilityConfig{Addr: addr}
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func requiredDurationIf(required bool, name string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		if required {
			return 0, fmt.Errorf("%s is required", name)
		}
		return 0, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}
