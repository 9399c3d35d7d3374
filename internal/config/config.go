package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains runtime configuration required by the service.
type Config struct {
	Port        string
	RedisURL    string
	RabbitMQURL string
	JWTSecret   string

	// Rate limiting: requests per identity per window.
	RateLimitRequests int64
	RateLimitWindow   time.Duration
	// RateLimitFailOpen selects the store-outage posture: false rejects
	// (protects downstream), true admits through the local fallback.
	RateLimitFailOpen bool

	// Circuit breaker guarding the broker.
	CircuitFailMax      int64
	CircuitResetTimeout time.Duration

	// Idempotency records: completed-result retention and the in-progress
	// abandonment threshold.
	IdempotencyTTL       time.Duration
	IdempotencyStaleness time.Duration

	// Notification status record retention.
	StatusTTL time.Duration

	// Upper bound on one broker publish attempt.
	PublishTimeout time.Duration
}

// Load reads required values from environment variables. Duration knobs
// are plain seconds (RATE_LIMIT_WINDOW=60), matching the deployment env
// of the rest of the notification system.
func Load() (Config, error) {
	cfg := Config{
		Port:                 envOr("PORT", "8080"),
		RedisURL:             strings.TrimSpace(os.Getenv("REDIS_URL")),
		RabbitMQURL:          strings.TrimSpace(os.Getenv("RABBITMQ_URL")),
		JWTSecret:            strings.TrimSpace(os.Getenv("JWT_SECRET")),
		RateLimitRequests:    100,
		RateLimitWindow:      60 * time.Second,
		RateLimitFailOpen:    false,
		CircuitFailMax:       5,
		CircuitResetTimeout:  60 * time.Second,
		IdempotencyTTL:       24 * time.Hour,
		IdempotencyStaleness: 30 * time.Second,
		StatusTTL:            7 * 24 * time.Hour,
		PublishTimeout:       5 * time.Second,
	}

	if cfg.RedisURL == "" {
		return Config{}, errors.New("REDIS_URL required")
	}
	if cfg.RabbitMQURL == "" {
		return Config{}, errors.New("RABBITMQ_URL required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, errors.New("JWT_SECRET required")
	}
	if len(cfg.JWTSecret) < 32 {
		return Config{}, errors.New("JWT_SECRET must be at least 32 bytes")
	}

	var err error
	if cfg.RateLimitRequests, err = envInt64("RATE_LIMIT_REQUESTS", cfg.RateLimitRequests); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitWindow, err = envSeconds("RATE_LIMIT_WINDOW", cfg.RateLimitWindow); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitFailOpen, err = envBool("RATE_LIMIT_FAIL_OPEN", cfg.RateLimitFailOpen); err != nil {
		return Config{}, err
	}
	if cfg.CircuitFailMax, err = envInt64("CIRCUIT_BREAKER_FAIL_MAX", cfg.CircuitFailMax); err != nil {
		return Config{}, err
	}
	if cfg.CircuitResetTimeout, err = envSeconds("CIRCUIT_BREAKER_TIMEOUT", cfg.CircuitResetTimeout); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = envSeconds("IDEMPOTENCY_TTL", cfg.IdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyStaleness, err = envSeconds("IDEMPOTENCY_STALENESS", cfg.IdempotencyStaleness); err != nil {
		return Config{}, err
	}
	if cfg.StatusTTL, err = envSeconds("NOTIFICATION_STATUS_TTL", cfg.StatusTTL); err != nil {
		return Config{}, err
	}
	if cfg.PublishTimeout, err = envSeconds("PUBLISH_TIMEOUT", cfg.PublishTimeout); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func envInt64(name string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return v, nil
}

func envSeconds(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s must be a positive number of seconds", name)
	}
	return time.Duration(v) * time.Second, nil
}

func envBool(name string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be true or false", name)
	}
	return v, nil
}
