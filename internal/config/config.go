package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the Prophecy API server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Compute  ComputeConfig
	Trigger  TriggerConfig
	Intake   IntakeConfig
	Stream   StreamConfig
}

type ServerConfig struct {
	Port      int    `env:"PROPHECY_PORT" env-default:"8080"`
	Env       string `env:"PROPHECY_ENV" env-default:"development"`
	PublicURL string `env:"PROPHECY_PUBLIC_URL" env-default:"http://localhost:8080"`
	// RateLimitPerMin applies per API key.
	RateLimitPerMin int `env:"PROPHECY_RATE_LIMIT_PER_MIN" env-default:"60"`
}

type DatabaseConfig struct {
	URL             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS" env-default:"25"`
	MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS" env-default:"5"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME" env-default:"5m"`
	MigrationsDir   string        `env:"DATABASE_MIGRATIONS_DIR" env-default:"migrations"`
}

type RedisConfig struct {
	URL string `env:"REDIS_URL"`
}

// ComputeConfig controls the forecast engine and the deadline enforced on
// every dispatched prediction.
type ComputeConfig struct {
	Engine        string        `env:"COMPUTE_ENGINE" env-default:"heuristic"`
	MinDelay      time.Duration `env:"COMPUTE_MIN_DELAY" env-default:"2s"`
	MaxDelay      time.Duration `env:"COMPUTE_MAX_DELAY" env-default:"5s"`
	Timeout       time.Duration `env:"COMPUTE_TIMEOUT" env-default:"60s"`
	Deadline      time.Duration `env:"COMPUTE_DEADLINE" env-default:"10m"`
	SweepInterval time.Duration `env:"COMPUTE_SWEEP_INTERVAL" env-default:"1m"`
}

type TriggerConfig struct {
	Mode            string        `env:"TRIGGER_MODE" env-default:"local"`
	WorkerURL       string        `env:"TRIGGER_WORKER_URL"`
	TokenSecret     string        `env:"TRIGGER_TOKEN_SECRET"`
	DispatchTimeout time.Duration `env:"TRIGGER_DISPATCH_TIMEOUT" env-default:"10s"`
}

type IntakeConfig struct {
	MaxFileBytes int64 `env:"INTAKE_MAX_FILE_BYTES" env-default:"10485760"`
}

type StreamConfig struct {
	BufferSize int           `env:"STREAM_BUFFER_SIZE" env-default:"32"`
	Heartbeat  time.Duration `env:"STREAM_HEARTBEAT" env-default:"25s"`
}

// WorkerConfig holds configuration for the standalone compute worker.
type WorkerConfig struct {
	Port        int    `env:"COMPUTE_WORKER_PORT" env-default:"8090"`
	TokenSecret string `env:"TRIGGER_TOKEN_SECRET"`
	// CallbackTimeout bounds each attempt to post an outcome back.
	CallbackTimeout time.Duration `env:"COMPUTE_CALLBACK_TIMEOUT" env-default:"10s"`
	Compute         ComputeConfig
}

const minTokenSecretLen = 32

var validEngines = map[string]bool{
	"heuristic": true,
}

var validTriggerModes = map[string]bool{
	"local": true,
	"http":  true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadWorker reads the compute worker configuration.
func LoadWorker() (*WorkerConfig, error) {
	cfg := &WorkerConfig{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
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

	if !isHTTPURL(c.Server.PublicURL) {
		return fmt.Errorf("PROPHECY_PUBLIC_URL must start with http:// or https://, got %q", c.Server.PublicURL)
	}

	if c.Trigger.TokenSecret == "" {
		return fmt.Errorf("TRIGGER_TOKEN_SECRET is required")
	}
	if len(c.Trigger.TokenSecret) < minTokenSecretLen {
		return fmt.Errorf("TRIGGER_TOKEN_SECRET must be at least %d bytes", minTokenSecretLen)
	}

	if !validTriggerModes[c.Trigger.Mode] {
		return fmt.Errorf("TRIGGER_MODE must be one of local, http; got %q", c.Trigger.Mode)
	}
	if c.Trigger.Mode == "http" {
		if c.Trigger.WorkerURL == "" {
			return fmt.Errorf("TRIGGER_WORKER_URL is required when TRIGGER_MODE is http")
		}
		if !isHTTPURL(c.Trigger.WorkerURL) {
			return fmt.Errorf("TRIGGER_WORKER_URL must start with http:// or https://, got %q", c.Trigger.WorkerURL)
		}
	}

	if err := c.Compute.validate(); err != nil {
		return err
	}
	if c.Compute.Deadline <= c.Compute.Timeout {
		return fmt.Errorf("COMPUTE_DEADLINE (%s) must exceed COMPUTE_TIMEOUT (%s)", c.Compute.Deadline, c.Compute.Timeout)
	}

	if c.Intake.MaxFileBytes <= 0 {
		return fmt.Errorf("INTAKE_MAX_FILE_BYTES must be positive")
	}
	if c.Stream.BufferSize <= 0 {
		return fmt.Errorf("STREAM_BUFFER_SIZE must be positive")
	}

	return nil
}

func (c *WorkerConfig) validate() error {
	if len(c.TokenSecret) < minTokenSecretLen {
		return fmt.Errorf("TRIGGER_TOKEN_SECRET must be at least %d bytes", minTokenSecretLen)
	}
	if c.CallbackTimeout <= 0 {
		return fmt.Errorf("COMPUTE_CALLBACK_TIMEOUT must be positive")
	}
	return c.Compute.validate()
}

func (c *ComputeConfig) validate() error {
	if !validEngines[c.Engine] {
		return fmt.Errorf("COMPUTE_ENGINE must be one of heuristic; got %q", c.Engine)
	}
	if c.MinDelay < 0 || c.MaxDelay < c.MinDelay {
		return fmt.Errorf("COMPUTE_MIN_DELAY (%s) must be non-negative and not exceed COMPUTE_MAX_DELAY (%s)", c.MinDelay, c.MaxDelay)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("COMPUTE_TIMEOUT must be positive")
	}
	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
