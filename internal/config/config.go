// Package config assembles runtime settings for the roomchat binaries. Each
// binary starts from a Default*Config value and overrides individual fields
// from environment variables; a .env file in the working directory, when
// present, is loaded first.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// LogConfig controls logger construction.
type LogConfig struct {
	Level  string // debug | info | warn | error
	Format string // console | json
}

// SyncdConfig holds settings for the realtime sync gateway.
type SyncdConfig struct {
	ListenAddr     string
	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	NATSURL   string
	RedisAddr string

	BackendURL     string
	BackendTimeout time.Duration

	PollInterval     time.Duration // polling fallback period
	FallbackGrace    time.Duration // how long Connecting may last before polling takes over
	SubscribeTimeout time.Duration // push channel acknowledgment deadline
	SubscriberBuffer int           // per-consumer event buffer
	PresenceTTL      time.Duration // lifetime of a room's presence without writes
	PresenceRefresh  time.Duration // how often open rooms extend PresenceTTL

	SendLimit  int
	SendWindow time.Duration

	Log LogConfig
}

// APIConfig holds settings for the reference storage service.
type APIConfig struct {
	ListenAddr     string
	DatabaseDSN    string
	NATSURL        string
	MigrateOnStart bool

	Log LogConfig
}

// DefaultSyncdConfig returns gateway defaults suitable for local development.
func DefaultSyncdConfig() SyncdConfig {
	return SyncdConfig{
		ListenAddr:       ":8080",
		WorkerPoolSize:   256,
		MaxConnections:   100000,
		ReadTimeout:      10 * time.Second,
		WriteTimeout:     10 * time.Second,
		NATSURL:          "nats://localhost:4222",
		RedisAddr:        "localhost:6379",
		BackendURL:       "http://localhost:9000",
		BackendTimeout:   5 * time.Second,
		PollInterval:     time.Second,
		FallbackGrace:    3 * time.Second,
		SubscribeTimeout: 2 * time.Second,
		SubscriberBuffer: 256,
		PresenceTTL:      time.Hour,
		PresenceRefresh:  15 * time.Minute,
		SendLimit:        5,
		SendWindow:       10 * time.Second,
		Log:              LogConfig{Level: "info", Format: "console"},
	}
}

// DefaultAPIConfig returns storage service defaults suitable for local development.
func DefaultAPIConfig() APIConfig {
	return APIConfig{
		ListenAddr:     ":9000",
		DatabaseDSN:    "host=localhost user=postgres password=postgres dbname=roomchat sslmode=disable",
		NATSURL:        "nats://localhost:4222",
		MigrateOnStart: true,
		Log:            LogConfig{Level: "info", Format: "console"},
	}
}

// LoadSyncd returns the gateway configuration with environment overrides applied.
func LoadSyncd() (SyncdConfig, error) {
	if err := loadDotEnv(); err != nil {
		return SyncdConfig{}, err
	}

	cfg := DefaultSyncdConfig()
	cfg.ListenAddr = envString("LISTEN_ADDR", cfg.ListenAddr)
	cfg.WorkerPoolSize = envInt("WORKER_POOL_SIZE", cfg.WorkerPoolSize)
	cfg.MaxConnections = envInt("MAX_CONNECTIONS", cfg.MaxConnections)
	cfg.ReadTimeout = envDuration("READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = envDuration("WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.NATSURL = envString("NATS_URL", cfg.NATSURL)
	cfg.RedisAddr = envString("REDIS_ADDR", cfg.RedisAddr)
	cfg.BackendURL = envString("BACKEND_URL", cfg.BackendURL)
	cfg.BackendTimeout = envDuration("BACKEND_TIMEOUT", cfg.BackendTimeout)
	cfg.PollInterval = envDuration("POLL_INTERVAL", cfg.PollInterval)
	cfg.FallbackGrace = envDuration("FALLBACK_GRACE", cfg.FallbackGrace)
	cfg.SubscribeTimeout = envDuration("SUBSCRIBE_TIMEOUT", cfg.SubscribeTimeout)
	cfg.SubscriberBuffer = envInt("SUBSCRIBER_BUFFER", cfg.SubscriberBuffer)
	cfg.PresenceTTL = envDuration("PRESENCE_TTL", cfg.PresenceTTL)
	cfg.PresenceRefresh = envDuration("PRESENCE_REFRESH", cfg.PresenceRefresh)
	cfg.SendLimit = envInt("SEND_LIMIT", cfg.SendLimit)
	cfg.SendWindow = envDuration("SEND_WINDOW", cfg.SendWindow)
	cfg.Log = loadLog(cfg.Log)

	if cfg.BackendURL == "" {
		return SyncdConfig{}, fmt.Errorf("config: BACKEND_URL cannot be empty")
	}
	if cfg.PollInterval <= 0 {
		return SyncdConfig{}, fmt.Errorf("config: POLL_INTERVAL must be positive")
	}
	if cfg.PresenceRefresh <= 0 || cfg.PresenceRefresh >= cfg.PresenceTTL {
		return SyncdConfig{}, fmt.Errorf("config: PRESENCE_REFRESH must be positive and shorter than PRESENCE_TTL")
	}
	return cfg, nil
}

// LoadAPI returns the storage service configuration with environment overrides applied.
func LoadAPI() (APIConfig, error) {
	if err := loadDotEnv(); err != nil {
		return APIConfig{}, err
	}

	cfg := DefaultAPIConfig()
	cfg.ListenAddr = envString("API_LISTEN_ADDR", cfg.ListenAddr)
	cfg.DatabaseDSN = envString("DATABASE_DSN", cfg.DatabaseDSN)
	cfg.NATSURL = envString("NATS_URL", cfg.NATSURL)
	cfg.MigrateOnStart = envBool("MIGRATE_ON_START", cfg.MigrateOnStart)
	cfg.Log = loadLog(cfg.Log)

	if cfg.DatabaseDSN == "" {
		return APIConfig{}, fmt.Errorf("config: DATABASE_DSN cannot be empty")
	}
	return cfg, nil
}

func loadLog(def LogConfig) LogConfig {
	return LogConfig{
		Level:  envString("LOG_LEVEL", def.Level),
		Format: envString("LOG_FORMAT", def.Format),
	}
}

// loadDotEnv reads .env if it exists. Variables already present in the
// process environment win over the file.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: load .env: %w", err)
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
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
