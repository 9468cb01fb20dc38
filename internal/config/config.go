// Package config loads service settings from defaults, an optional YAML file
// and environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Redis   RedisConfig   `yaml:"redis"`
	Queue   QueueConfig   `yaml:"queue"`
	Staging StagingConfig `yaml:"staging"`
	Server  ServerConfig  `yaml:"server"`
	Worker  WorkerConfig  `yaml:"worker"`
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type QueueConfig struct {
	Name           string        `yaml:"name"`
	ResponseSuffix string        `yaml:"response_suffix"`
	EventsChannel  string        `yaml:"events_channel"`
	PollTimeout    time.Duration `yaml:"poll_timeout"`
	ResultTTL      time.Duration `yaml:"result_ttl"`
}

type StagingConfig struct {
	Root          string        `yaml:"root"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxAge        time.Duration `yaml:"max_age"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	AwaitTimeout time.Duration `yaml:"await_timeout"`
	RateLimit    float64       `yaml:"rate_limit"`
	RateBurst    float64       `yaml:"rate_burst"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	ShowAPIDocs  bool          `yaml:"show_api_docs"`
}

type WorkerConfig struct {
	Concurrency int    `yaml:"concurrency"`
	ID          string `yaml:"id"`
}

type EngineConfig struct {
	Type       string        `yaml:"type"`
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout"`
	CacheSize  int           `yaml:"cache_size"`
	Dimensions int           `yaml:"dimensions"`
	Image      string        `yaml:"image"`
	GPU        bool          `yaml:"gpu"`
	ModelName  string        `yaml:"model_name"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SupportedModels lists the CLIP checkpoints the engine sidecar can load.
var SupportedModels = []string{
	"openai/clip-vit-base-patch32",
	"openai/clip-vit-large-patch14",
	"openai/clip-vit-base-patch16",
	"openai/clip-vit-large-patch14-336",
}

// Load reads configuration. An empty path means "config.yaml"; a missing file
// is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.yaml"
	}

	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in YAML content
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		slog.Info("Loaded configuration from YAML file", "file", path)
	} else {
		slog.Debug("Config file not found, using defaults and environment variables", "file", path)
	}

	if err := applyEnvironmentOverrides(cfg); err != nil {
		return nil, err
	}

	if !slices.Contains(SupportedModels, cfg.Engine.ModelName) {
		slog.Warn("Invalid CLIP model name, using default", "model", cfg.Engine.ModelName, "default", SupportedModels[0], "valid", SupportedModels)
		cfg.Engine.ModelName = SupportedModels[0]
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Redis: RedisConfig{Addr: "localhost:6379"},
		Queue: QueueConfig{
			Name:           "requests",
			ResponseSuffix: "-response",
			EventsChannel:  "goclip:events",
			PollTimeout:    time.Second,
			ResultTTL:      10 * time.Minute,
		},
		Staging: StagingConfig{
			Root:          "/img_store",
			SweepInterval: time.Minute,
			MaxAge:        30 * time.Minute,
		},
		Server: ServerConfig{
			Addr:         ":8080",
			AwaitTimeout: 60 * time.Second,
			RateLimit:    5,
			RateBurst:    20,
			MaxBodyBytes: 32 << 20,
			ShowAPIDocs:  true,
		},
		Worker: WorkerConfig{Concurrency: 1},
		Engine: EngineConfig{
			Type:       "http",
			URL:        "http://localhost:9000",
			Timeout:    60 * time.Second,
			CacheSize:  1000,
			Dimensions: 512,
			ModelName:  SupportedModels[0],
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// applyEnvironmentOverrides applies environment variable overrides to cfg.
// Unparseable numbers and durations are reported rather than ignored.
func applyEnvironmentOverrides(cfg *Config) error {
	var errs []error

	str := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}
	integer := func(key string, dst *int) {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = i
		}
	}
	dur := func(key string, dst *time.Duration) {
		if val := os.Getenv(key); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	float := func(key string, dst *float64) {
		if val := os.Getenv(key); val != "" {
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if val := os.Getenv(key); val != "" {
			b, err := strconv.ParseBool(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	integer("REDIS_DB", &cfg.Redis.DB)

	str("QUEUE_NAME", &cfg.Queue.Name)
	str("RESPONSE_SUFFIX", &cfg.Queue.ResponseSuffix)
	str("EVENTS_CHANNEL", &cfg.Queue.EventsChannel)
	dur("POLL_TIMEOUT", &cfg.Queue.PollTimeout)
	dur("RESULT_TTL", &cfg.Queue.ResultTTL)

	str("STAGING_ROOT", &cfg.Staging.Root)
	dur("STAGING_SWEEP_INTERVAL", &cfg.Staging.SweepInterval)
	dur("STAGING_MAX_AGE", &cfg.Staging.MaxAge)

	str("HTTP_ADDR", &cfg.Server.Addr)
	dur("AWAIT_TIMEOUT", &cfg.Server.AwaitTimeout)
	float("RATE_LIMIT", &cfg.Server.RateLimit)
	float("RATE_BURST", &cfg.Server.RateBurst)
	if val := os.Getenv("MAX_BODY_BYTES"); val != "" {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("MAX_BODY_BYTES: %w", err))
		} else {
			cfg.Server.MaxBodyBytes = n
		}
	}
	boolean("SHOW_API_DOCS", &cfg.Server.ShowAPIDocs)

	integer("WORKER_CONCURRENCY", &cfg.Worker.Concurrency)
	str("WORKER_ID", &cfg.Worker.ID)

	str("ENGINE_TYPE", &cfg.Engine.Type)
	str("ENGINE_URL", &cfg.Engine.URL)
	dur("ENGINE_TIMEOUT", &cfg.Engine.Timeout)
	integer("ENGINE_CACHE_SIZE", &cfg.Engine.CacheSize)
	integer("ENGINE_DIMENSIONS", &cfg.Engine.Dimensions)
	str("ENGINE_IMAGE", &cfg.Engine.Image)
	boolean("ENGINE_GPU", &cfg.Engine.GPU)
	str("CLIP_MODEL_NAME", &cfg.Engine.ModelName)

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)

	return errors.Join(errs...)
}

// validate validates the configuration and returns errors for invalid values
func validate(cfg *Config) error {
	var problems []string

	if cfg.Redis.Addr == "" {
		problems = append(problems, "REDIS_ADDR is required")
	}
	if cfg.Queue.Name == "" {
		problems = append(problems, "QUEUE_NAME is required")
	}
	if cfg.Queue.ResponseSuffix == "" {
		problems = append(problems, "RESPONSE_SUFFIX must not be empty, response lists would collide with job ids")
	}
	if cfg.Queue.PollTimeout < time.Second {
		problems = append(problems, fmt.Sprintf("POLL_TIMEOUT must be at least 1s (current: %s)", cfg.Queue.PollTimeout))
	}
	if cfg.Queue.ResultTTL <= 0 {
		problems = append(problems, "RESULT_TTL must be positive")
	}
	if cfg.Staging.Root == "" {
		problems = append(problems, "STAGING_ROOT is required")
	}
	if cfg.Staging.SweepInterval <= 0 || cfg.Staging.MaxAge <= 0 {
		problems = append(problems, "STAGING_SWEEP_INTERVAL and STAGING_MAX_AGE must be positive")
	}
	if cfg.Server.AwaitTimeout <= 0 {
		problems = append(problems, "AWAIT_TIMEOUT must be positive")
	}
	if cfg.Server.RateLimit <= 0 || cfg.Server.RateBurst < 1 {
		problems = append(problems, "RATE_LIMIT must be positive and RATE_BURST at least 1")
	}
	if cfg.Worker.Concurrency < 1 {
		problems = append(problems, fmt.Sprintf("WORKER_CONCURRENCY must be at least 1 (current: %d)", cfg.Worker.Concurrency))
	}
	switch cfg.Engine.Type {
	case "http":
		if cfg.Engine.URL == "" {
			problems = append(problems, "ENGINE_URL is required for the http engine")
		}
	case "hash":
	default:
		problems = append(problems, fmt.Sprintf("ENGINE_TYPE must be http or hash (current: %q)", cfg.Engine.Type))
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation errors: %s", strings.Join(problems, "; "))
	}
	return nil
}

// WorkerID returns the configured id, or hostname-pid.
func (c *Config) WorkerID() string {
	if c.Worker.ID != "" {
		return c.Worker.ID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}
