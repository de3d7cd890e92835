package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinoosan/podfetch/internal/aria2"
	"github.com/tinoosan/podfetch/internal/downloadcfg"
	"github.com/tinoosan/podfetch/internal/engine"
	"github.com/tinoosan/podfetch/internal/repo"
	"github.com/tinoosan/podfetch/internal/retry"
)

// Config defines configuration for the podfetch CLI.
type Config struct {
	Dir           string        `yaml:"dir"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	BatchTimeout  time.Duration `yaml:"batch_timeout"`
	Cleanup       bool          `yaml:"cleanup"`
	Collision     string        `yaml:"collision"`
	Verbose       bool          `yaml:"verbose"`
	StatusAddr    string        `yaml:"status_addr"`
	APIToken      string        `yaml:"api_token"`
	Engine        EngineConfig  `yaml:"engine"`
	Retry         RetryConfig   `yaml:"retry"`
	Store         StoreConfig   `yaml:"store"`
	Log           LogConfig     `yaml:"log"`
}

// EngineConfig controls the aria2c process.
type EngineConfig struct {
	Binary        string        `yaml:"binary"`
	Port          int           `yaml:"port"`
	Secret        string        `yaml:"secret"`
	Connections   int           `yaml:"connections"`
	Split         int           `yaml:"split"`
	ExtraArgs     []string      `yaml:"extra_args"`
	StartTimeout  time.Duration `yaml:"start_timeout"`
	HealthTimeout time.Duration `yaml:"health_timeout"`
	RPCTimeout    time.Duration `yaml:"rpc_timeout"`
	GracePeriod   time.Duration `yaml:"grace_period"`
	MaxRestarts   int           `yaml:"max_restarts"`
}

// RetryConfig defines retry behavior.
type RetryConfig struct {
	Attempts       int           `yaml:"attempts"`
	Backoff        time.Duration `yaml:"backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Jitter         float64       `yaml:"jitter"`
	RetryableCodes []int         `yaml:"retryable_codes"`
	FatalCodes     []int         `yaml:"fatal_codes"`
}

// StoreConfig selects the outcome store.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// LogConfig configures the optional rotating log file.
type LogConfig struct {
	File       string `yaml:"file"`
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Dir:           ".",
		MaxConcurrent: 5,
		PollInterval:  time.Second,
		Collision:     string(downloadcfg.CollisionError),
		Engine: EngineConfig{
			Binary:        engine.DefaultBinary,
			Connections:   engine.DefaultConnections,
			Split:         engine.DefaultSplit,
			StartTimeout:  engine.DefaultStartTimeout,
			HealthTimeout: engine.DefaultHealthTimeout,
			RPCTimeout:    aria2.DefaultTimeout,
			GracePeriod:   engine.DefaultGracePeriod,
			MaxRestarts:   engine.DefaultMaxRestarts,
		},
		Retry: RetryConfig{
			Attempts:   retry.DefaultMaxAttempts,
			Backoff:    retry.DefaultBase,
			MaxBackoff: retry.DefaultMax,
			Jitter:     retry.DefaultJitter,
		},
		Store: StoreConfig{Driver: repo.DriverBolt},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string durations.
type yamlConfig struct {
	Dir           string           `yaml:"dir"`
	MaxConcurrent int              `yaml:"max_concurrent"`
	PollInterval  string           `yaml:"poll_interval"`
	BatchTimeout  string           `yaml:"batch_timeout"`
	Cleanup       bool             `yaml:"cleanup"`
	Collision     string           `yaml:"collision"`
	Verbose       bool             `yaml:"verbose"`
	StatusAddr    string           `yaml:"status_addr"`
	APIToken      string           `yaml:"api_token"`
	Engine        yamlEngineConfig `yaml:"engine"`
	Retry         yamlRetryConfig  `yaml:"retry"`
	Store         StoreConfig      `yaml:"store"`
	Log           LogConfig        `yaml:"log"`
}

type yamlEngineConfig struct {
	Binary        string   `yaml:"binary"`
	Port          int      `yaml:"port"`
	Secret        string   `yaml:"secret"`
	Connections   int      `yaml:"connections"`
	Split         int      `yaml:"split"`
	ExtraArgs     []string `yaml:"extra_args"`
	StartTimeout  string   `yaml:"start_timeout"`
	HealthTimeout string   `yaml:"health_timeout"`
	RPCTimeout    string   `yaml:"rpc_timeout"`
	GracePeriod   string   `yaml:"grace_period"`
	MaxRestarts   *int     `yaml:"max_restarts"`
}

type yamlRetryConfig struct {
	Attempts       int     `yaml:"attempts"`
	Backoff        string  `yaml:"backoff"`
	MaxBackoff     string  `yaml:"max_backoff"`
	Jitter         float64 `yaml:"jitter"`
	RetryableCodes []int   `yaml:"retryable_codes"`
	FatalCodes     []int   `yaml:"fatal_codes"`
}

// LoadFromFile loads configuration from a YAML file on top of Default().
func LoadFromFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(raw, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()
	override := Config{
		Dir:           yc.Dir,
		MaxConcurrent: yc.MaxConcurrent,
		Cleanup:       yc.Cleanup,
		Collision:     yc.Collision,
		Verbose:       yc.Verbose,
		StatusAddr:    yc.StatusAddr,
		APIToken:      yc.APIToken,
		Engine: EngineConfig{
			Binary:      yc.Engine.Binary,
			Port:        yc.Engine.Port,
			Secret:      yc.Engine.Secret,
			Connections: yc.Engine.Connections,
			Split:       yc.Engine.Split,
			ExtraArgs:   yc.Engine.ExtraArgs,
		},
		Retry: RetryConfig{
			Attempts:       yc.Retry.Attempts,
			Jitter:         yc.Retry.Jitter,
			RetryableCodes: yc.Retry.RetryableCodes,
			FatalCodes:     yc.Retry.FatalCodes,
		},
		Store: yc.Store,
		Log:   yc.Log,
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"poll_interval", yc.PollInterval, &override.PollInterval},
		{"batch_timeout", yc.BatchTimeout, &override.BatchTimeout},
		{"engine.start_timeout", yc.Engine.StartTimeout, &override.Engine.StartTimeout},
		{"engine.health_timeout", yc.Engine.HealthTimeout, &override.Engine.HealthTimeout},
		{"engine.rpc_timeout", yc.Engine.RPCTimeout, &override.Engine.RPCTimeout},
		{"engine.grace_period", yc.Engine.GracePeriod, &override.Engine.GracePeriod},
		{"retry.backoff", yc.Retry.Backoff, &override.Retry.Backoff},
		{"retry.max_backoff", yc.Retry.MaxBackoff, &override.Retry.MaxBackoff},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	cfg = cfg.Merge(override)
	// An explicit zero disables restarts, which Merge would drop.
	if yc.Engine.MaxRestarts != nil {
		cfg.Engine.MaxRestarts = *yc.Engine.MaxRestarts
	}
	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the PODFETCH_ prefix.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("PODFETCH_DIR"); v != "" {
		c.Dir = v
	}
	if v := os.Getenv("PODFETCH_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse PODFETCH_MAX_CONCURRENT: %w", err)
		}
		c.MaxConcurrent = n
	}
	if err := envDuration("PODFETCH_POLL_INTERVAL", &c.PollInterval); err != nil {
		return err
	}
	if err := envDuration("PODFETCH_BATCH_TIMEOUT", &c.BatchTimeout); err != nil {
		return err
	}
	if v := os.Getenv("PODFETCH_CLEANUP"); v != "" {
		c.Cleanup = v == "true" || v == "1"
	}
	if v := os.Getenv("PODFETCH_COLLISION"); v != "" {
		c.Collision = v
	}
	if v := os.Getenv("PODFETCH_STATUS_ADDR"); v != "" {
		c.StatusAddr = v
	}
	if v := os.Getenv("PODFETCH_API_TOKEN"); v != "" {
		c.APIToken = v
	}
	if v := os.Getenv("PODFETCH_ARIA2_BIN"); v != "" {
		c.Engine.Binary = v
	}
	if v := os.Getenv("PODFETCH_RPC_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse PODFETCH_RPC_PORT: %w", err)
		}
		c.Engine.Port = n
	}
	if v := os.Getenv("PODFETCH_RPC_SECRET"); v != "" {
		c.Engine.Secret = v
	}
	c.Engine.RPCTimeout = aria2.TimeoutFromEnv(c.Engine.RPCTimeout)
	if err := envDuration("PODFETCH_START_TIMEOUT", &c.Engine.StartTimeout); err != nil {
		return err
	}
	if v := os.Getenv("PODFETCH_MAX_RESTARTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse PODFETCH_MAX_RESTARTS: %w", err)
		}
		c.Engine.MaxRestarts = n
	}
	if v := os.Getenv("PODFETCH_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse PODFETCH_RETRY_ATTEMPTS: %w", err)
		}
		c.Retry.Attempts = n
	}
	if err := envDuration("PODFETCH_RETRY_BACKOFF", &c.Retry.Backoff); err != nil {
		return err
	}
	if err := envDuration("PODFETCH_RETRY_MAX_BACKOFF", &c.Retry.MaxBackoff); err != nil {
		return err
	}
	if v := os.Getenv("PODFETCH_STORE"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("PODFETCH_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("PODFETCH_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("PODFETCH_LOG_FILE"); v != "" {
		c.Log.File = v
	}
	if v := os.Getenv("PODFETCH_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = d
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Dir) == "" {
		return errors.New("config: dir is required")
	}
	if c.MaxConcurrent <= 0 {
		return errors.New("config: max_concurrent must be positive")
	}
	if c.PollInterval <= 0 {
		return errors.New("config: poll_interval must be positive")
	}
	if c.BatchTimeout < 0 {
		return errors.New("config: batch_timeout must not be negative")
	}
	if err := c.StartOptions().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Collision != "" && downloadcfg.ParseCollisionPolicy(c.Collision) != downloadcfg.CollisionPolicy(c.Collision) {
		return fmt.Errorf("config: unknown collision policy %q", c.Collision)
	}
	if c.Engine.Port < 0 || c.Engine.Port > 65535 {
		return fmt.Errorf("config: engine.port %d out of range", c.Engine.Port)
	}
	if c.Engine.MaxRestarts < 0 {
		return errors.New("config: engine.max_restarts must not be negative")
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Store.Driver {
	case "", repo.DriverBolt, repo.DriverMemory, repo.DriverPostgres:
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.Dir != "" {
		c.Dir = override.Dir
	}
	if override.MaxConcurrent != 0 {
		c.MaxConcurrent = override.MaxConcurrent
	}
	if override.PollInterval != 0 {
		c.PollInterval = override.PollInterval
	}
	if override.BatchTimeout != 0 {
		c.BatchTimeout = override.BatchTimeout
	}
	if override.Cleanup {
		c.Cleanup = true
	}
	if override.Collision != "" {
		c.Collision = override.Collision
	}
	if override.Verbose {
		c.Verbose = true
	}
	if override.StatusAddr != "" {
		c.StatusAddr = override.StatusAddr
	}
	if override.APIToken != "" {
		c.APIToken = override.APIToken
	}

	e, o := &c.Engine, override.Engine
	if o.Binary != "" {
		e.Binary = o.Binary
	}
	if o.Port != 0 {
		e.Port = o.Port
	}
	if o.Secret != "" {
		e.Secret = o.Secret
	}
	if o.Connections != 0 {
		e.Connections = o.Connections
	}
	if o.Split != 0 {
		e.Split = o.Split
	}
	if len(o.ExtraArgs) > 0 {
		e.ExtraArgs = o.ExtraArgs
	}
	if o.StartTimeout != 0 {
		e.StartTimeout = o.StartTimeout
	}
	if o.HealthTimeout != 0 {
		e.HealthTimeout = o.HealthTimeout
	}
	if o.RPCTimeout != 0 {
		e.RPCTimeout = o.RPCTimeout
	}
	if o.GracePeriod != 0 {
		e.GracePeriod = o.GracePeriod
	}
	if o.MaxRestarts != 0 {
		e.MaxRestarts = o.MaxRestarts
	}

	r, or := &c.Retry, override.Retry
	if or.Attempts != 0 {
		r.Attempts = or.Attempts
	}
	if or.Backoff != 0 {
		r.Backoff = or.Backoff
	}
	if or.MaxBackoff != 0 {
		r.MaxBackoff = or.MaxBackoff
	}
	if or.Jitter != 0 {
		r.Jitter = or.Jitter
	}
	if len(or.RetryableCodes) > 0 {
		r.RetryableCodes = or.RetryableCodes
	}
	if len(or.FatalCodes) > 0 {
		r.FatalCodes = or.FatalCodes
	}

	if override.Store.Driver != "" {
		c.Store.Driver = override.Store.Driver
	}
	if override.Store.Path != "" {
		c.Store.Path = override.Store.Path
	}
	if override.Store.DSN != "" {
		c.Store.DSN = override.Store.DSN
	}

	if override.Log.File != "" {
		c.Log.File = override.Log.File
	}
	if override.Log.Level != "" {
		c.Log.Level = override.Log.Level
	}
	if override.Log.MaxSizeMB != 0 {
		c.Log.MaxSizeMB = override.Log.MaxSizeMB
	}
	if override.Log.MaxBackups != 0 {
		c.Log.MaxBackups = override.Log.MaxBackups
	}
	if override.Log.MaxAgeDays != 0 {
		c.Log.MaxAgeDays = override.Log.MaxAgeDays
	}
	return c
}

// EngineConfig converts the engine section for the supervisor.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Binary:        c.Engine.Binary,
		Dir:           c.Dir,
		Port:          c.Engine.Port,
		Secret:        c.Engine.Secret,
		Connections:   c.Engine.Connections,
		Split:         c.Engine.Split,
		MaxConcurrent: c.MaxConcurrent,
		ExtraArgs:     c.Engine.ExtraArgs,
		StartTimeout:  c.Engine.StartTimeout,
		HealthTimeout: c.Engine.HealthTimeout,
		RPCTimeout:    c.Engine.RPCTimeout,
		GracePeriod:   c.Engine.GracePeriod,
		MaxRestarts:   c.Engine.MaxRestarts,
	}
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		Base:           c.Retry.Backoff,
		Max:            c.Retry.MaxBackoff,
		Jitter:         c.Retry.Jitter,
		MaxAttempts:    c.Retry.Attempts,
		RetryableCodes: c.Retry.RetryableCodes,
		FatalCodes:     c.Retry.FatalCodes,
	}
}

// StoreOptions converts the store section; the bolt file defaults to the
// destination directory.
func (c *Config) StoreOptions() repo.Options {
	return repo.Options{Driver: c.Store.Driver, Path: c.Store.Path, Dir: c.Dir, DSN: c.Store.DSN}
}

// StartOptions converts the per-transfer options.
func (c *Config) StartOptions() downloadcfg.StartOptions {
	return downloadcfg.StartOptions{
		Policy:      downloadcfg.ParseCollisionPolicy(c.Collision),
		Connections: c.Engine.Connections,
		Split:       c.Engine.Split,
	}
}
