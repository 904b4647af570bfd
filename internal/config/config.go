package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mariomuja/interface-configurator-sub002/internal/log"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	DatabaseURL     string
	RedisAddr       string
	RedisPassword   string
	HTTPAddr        string
	MetricsAddr     string
	JWTSecret       string
	NodeID          int64
	MaxRetries      int
	LeaseTTL        time.Duration
	SweepInterval   time.Duration
	SweepTimeout    time.Duration
	PollInterval    time.Duration
	DedupWindow     time.Duration
	ReadBatchSize   int
	WorkerCount     int
	RateLimitMax    int
	RateLimitWindow time.Duration
	// Interfaces this process runs consumer workers for. Empty means
	// server-only mode; workers are then hosted elsewhere.
	ConsumerInterfaces []string
}

func Load() (*Config, error) {
	logger := log.NewLogger()
	// .env is optional; environment variables may be set elsewhere.
	if err := godotenv.Load(); err != nil {
		logger.Warn("Failed to load .env file", zap.Error(err))
	}

	cfg := &Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		HTTPAddr:        ":8080",
		MetricsAddr:     ":2112",
		JWTSecret:       os.Getenv("JWT_SECRET"),
		MaxRetries:      3,
		LeaseTTL:        5 * time.Minute,
		SweepInterval:   2 * time.Minute,
		SweepTimeout:    5 * time.Minute,
		PollInterval:    5 * time.Second,
		DedupWindow:     24 * time.Hour,
		ReadBatchSize:   10,
		WorkerCount:     2,
		RateLimitMax:    100,
		RateLimitWindow: time.Minute,
	}

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		cfg.HTTPAddr = addr
	}
	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		cfg.MetricsAddr = addr
	}

	var err error
	if cfg.NodeID, err = envInt64("NODE_ID", 0); err != nil {
		return nil, err
	}
	maxRetries, err := envInt64("MAX_RETRIES", int64(cfg.MaxRetries))
	if err != nil {
		return nil, err
	}
	cfg.MaxRetries = int(maxRetries)
	batch, err := envInt64("READ_BATCH_SIZE", int64(cfg.ReadBatchSize))
	if err != nil {
		return nil, err
	}
	cfg.ReadBatchSize = int(batch)
	workers, err := envInt64("WORKER_COUNT", int64(cfg.WorkerCount))
	if err != nil {
		return nil, err
	}
	cfg.WorkerCount = int(workers)
	rlMax, err := envInt64("RATE_LIMIT_MAX", int64(cfg.RateLimitMax))
	if err != nil {
		return nil, err
	}
	cfg.RateLimitMax = int(rlMax)

	if cfg.LeaseTTL, err = envDuration("LEASE_TTL", cfg.LeaseTTL); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = envDuration("SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return nil, err
	}
	if cfg.SweepTimeout, err = envDuration("SWEEP_TIMEOUT", cfg.SweepTimeout); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = envDuration("POLL_INTERVAL", cfg.PollInterval); err != nil {
		return nil, err
	}
	if cfg.DedupWindow, err = envDuration("DEDUP_WINDOW", cfg.DedupWindow); err != nil {
		return nil, err
	}
	if cfg.RateLimitWindow, err = envDuration("RATE_LIMIT_WINDOW", cfg.RateLimitWindow); err != nil {
		return nil, err
	}
	if raw := os.Getenv("CONSUMER_INTERFACES"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				cfg.ConsumerInterfaces = append(cfg.ConsumerInterfaces, name)
			}
		}
	}

	logger.Info("Config loaded successfully")
	return cfg, nil
}

func envInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
