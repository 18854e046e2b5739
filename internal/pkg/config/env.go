package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// FromEnv overlays environment variables onto cfg.
func FromEnv(cfg *Config) error {
	cfg.ServiceName = getEnv("OTEL_SERVICE_NAME", cfg.ServiceName)
	cfg.Environment = getEnv("OTEL_RESOURCE_ATTRIBUTES_ENV", cfg.Environment)
	cfg.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.DatabasePath = getEnv("DATABASE_PATH", cfg.DatabasePath)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.Broker.URL = getEnv("RABBITMQ_URL", cfg.Broker.URL)

	if port := os.Getenv("PORT"); port != "" {
		cfg.HTTPAddr = ":" + port
	}

	var err error
	if cfg.Broker.MaxRetries, err = envUint("RABBITMQ_MAX_RETRIES", cfg.Broker.MaxRetries); err != nil {
		return err
	}
	if cfg.Broker.RetryDelay, err = envDuration("RABBITMQ_RETRY_DELAY", cfg.Broker.RetryDelay); err != nil {
		return err
	}
	if cfg.Broker.ConfirmTimeout, err = envDuration("RABBITMQ_CONFIRM_TIMEOUT", cfg.Broker.ConfirmTimeout); err != nil {
		return err
	}
	if cfg.Broker.ExponentialBackoff, err = envBool("RABBITMQ_EXPONENTIAL_BACKOFF", cfg.Broker.ExponentialBackoff); err != nil {
		return err
	}
	if cfg.Workers.Size, err = envInt("WORKER_POOL_SIZE", cfg.Workers.Size); err != nil {
		return err
	}
	if cfg.Workers.QueueDepth, err = envInt("WORKER_QUEUE_DEPTH", cfg.Workers.QueueDepth); err != nil {
		return err
	}
	if cfg.Notification.FailureRate, err = envFloat("NOTIFICATION_FAILURE_RATE", cfg.Notification.FailureRate); err != nil {
		return err
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envUint(key string, fallback uint) (uint, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return uint(n), nil
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return f, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}
