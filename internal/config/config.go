// Package config loads the scheduler's typed YAML configuration and
// watches it for hot-reloadable changes to the dispatch/session tunables.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DispatchConfig tunes the background dispatch loop.
type DispatchConfig struct {
	AckTimeoutSeconds           int    `yaml:"ackTimeoutSeconds"`
	MaxAttempts                 int    `yaml:"maxAttempts"`
	BaseRetrySeconds            int    `yaml:"baseRetrySeconds"`
	MaxRetrySeconds             int    `yaml:"maxRetrySeconds"`
	WorkerStrategy              string `yaml:"workerStrategy"`
	WorkerMaxHeartbeatAgeSeconds int   `yaml:"workerMaxHeartbeatAgeSeconds"`
}

// SessionConfig tunes the worker session window and reconnect pacing.
type SessionConfig struct {
	WindowSize                  int     `yaml:"windowSize"`
	HeartbeatIntervalSeconds    int     `yaml:"heartbeatIntervalSeconds"`
	HeartbeatJitterSeconds      int     `yaml:"heartbeatJitterSeconds"`
	ReconnectBaseDelaySeconds   float64 `yaml:"reconnectBaseDelaySeconds"`
	ReconnectMaxDelaySeconds    float64 `yaml:"reconnectMaxDelaySeconds"`
	ReconnectJitter             float64 `yaml:"reconnectJitter"`
	// WorkerGracePeriodSeconds documents the §6 configuration key. The
	// resolved grace period (internal/session.GracePeriod) is fixed at
	// 120s per the design notes and is not actually driven by this value;
	// Load rejects any other value rather than silently ignoring it.
	WorkerGracePeriodSeconds int `yaml:"workerGracePeriodSeconds"`
}

// ResourceConfig tunes resource binding resolution.
type ResourceConfig struct {
	MaxInlineBytes int64 `yaml:"maxInlineBytes"`
}

// BreakerConfig tunes the per-worker dispatch circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failureThreshold"`
	CooldownSeconds  int `yaml:"cooldownSeconds"`
}

// Config is the scheduler daemon's full typed configuration, loaded from
// YAML with environment overrides layered on top.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr     string   `yaml:"bindAddr"`
	AuthToken    string   `yaml:"authToken"`
	AllowOrigins []string `yaml:"allowOrigins"`
	DBPath       string   `yaml:"dbPath"`
	LogLevel     string   `yaml:"logLevel"`

	Dispatch DispatchConfig  `yaml:"dispatch"`
	Session  SessionConfig   `yaml:"session"`
	Resource ResourceConfig  `yaml:"resource"`
	Breaker  BreakerConfig   `yaml:"breaker"`
}

const fileName = "config.yaml"

// defaultConfig returns a Config pre-populated with every default from the
// §6 configuration table, safe to run with no config file present at all.
func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:8080",
		DBPath:   "scheduler.db",
		LogLevel: "info",
		Dispatch: DispatchConfig{
			AckTimeoutSeconds:            5,
			MaxAttempts:                  5,
			BaseRetrySeconds:             1,
			MaxRetrySeconds:              30,
			WorkerStrategy:               "default",
			WorkerMaxHeartbeatAgeSeconds: 0,
		},
		Session: SessionConfig{
			WindowSize:                64,
			HeartbeatIntervalSeconds:  30,
			HeartbeatJitterSeconds:    5,
			ReconnectBaseDelaySeconds: 1,
			ReconnectMaxDelaySeconds:  30,
			ReconnectJitter:           0.2,
			WorkerGracePeriodSeconds:  120,
		},
		Resource: ResourceConfig{
			MaxInlineBytes: 65536,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			CooldownSeconds:  300,
		},
	}
}

// HomeDir resolves the directory config.yaml and the SQLite database live
// in: SCHEDULERD_HOME if set, else "$HOME/.schedulerd".
func HomeDir() (string, error) {
	if v := os.Getenv("SCHEDULERD_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home dir: %w", err)
	}
	return filepath.Join(home, ".schedulerd"), nil
}

// Load reads config.yaml from homeDir if present, applies environment
// overrides, normalises, and validates. A missing config file is not an
// error: defaultConfig() alone is a valid, runnable configuration.
func Load() (Config, error) {
	home, err := HomeDir()
	if err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return Config{}, fmt.Errorf("config: create home dir: %w", err)
	}

	cfg := defaultConfig()
	cfg.HomeDir = home

	path := filepath.Join(home, fileName)
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides layers SCHEDULERD_* environment variables on top of
// the file-loaded config, for the handful of values an operator typically
// wants to override without touching the YAML file (auth token, bind
// address).
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SCHEDULERD_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("SCHEDULERD_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("SCHEDULERD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SCHEDULERD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SCHEDULERD_WORKER_STRATEGY"); v != "" {
		cfg.Dispatch.WorkerStrategy = v
	}
	if v := os.Getenv("SCHEDULERD_ACK_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.AckTimeoutSeconds = n
		}
	}
}

// normalize fills any zero-value field left after loading with its default,
// so a partially-specified config.yaml (e.g. only `bindAddr:` set) still
// gets safe values everywhere else.
func normalize(cfg *Config) {
	d := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = d.BindAddr
	}
	if cfg.DBPath == "" {
		cfg.DBPath = d.DBPath
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.Dispatch.AckTimeoutSeconds == 0 {
		cfg.Dispatch.AckTimeoutSeconds = d.Dispatch.AckTimeoutSeconds
	}
	if cfg.Dispatch.MaxAttempts == 0 {
		cfg.Dispatch.MaxAttempts = d.Dispatch.MaxAttempts
	}
	if cfg.Dispatch.BaseRetrySeconds == 0 {
		cfg.Dispatch.BaseRetrySeconds = d.Dispatch.BaseRetrySeconds
	}
	if cfg.Dispatch.MaxRetrySeconds == 0 {
		cfg.Dispatch.MaxRetrySeconds = d.Dispatch.MaxRetrySeconds
	}
	if cfg.Dispatch.WorkerStrategy == "" {
		cfg.Dispatch.WorkerStrategy = d.Dispatch.WorkerStrategy
	}
	if cfg.Session.WindowSize == 0 {
		cfg.Session.WindowSize = d.Session.WindowSize
	}
	if cfg.Session.HeartbeatIntervalSeconds == 0 {
		cfg.Session.HeartbeatIntervalSeconds = d.Session.HeartbeatIntervalSeconds
	}
	if cfg.Session.HeartbeatJitterSeconds == 0 {
		cfg.Session.HeartbeatJitterSeconds = d.Session.HeartbeatJitterSeconds
	}
	if cfg.Session.ReconnectBaseDelaySeconds == 0 {
		cfg.Session.ReconnectBaseDelaySeconds = d.Session.ReconnectBaseDelaySeconds
	}
	if cfg.Session.ReconnectMaxDelaySeconds == 0 {
		cfg.Session.ReconnectMaxDelaySeconds = d.Session.ReconnectMaxDelaySeconds
	}
	if cfg.Session.ReconnectJitter == 0 {
		cfg.Session.ReconnectJitter = d.Session.ReconnectJitter
	}
	if cfg.Session.WorkerGracePeriodSeconds == 0 {
		cfg.Session.WorkerGracePeriodSeconds = d.Session.WorkerGracePeriodSeconds
	}
	if cfg.Resource.MaxInlineBytes == 0 {
		cfg.Resource.MaxInlineBytes = d.Resource.MaxInlineBytes
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = d.Breaker.FailureThreshold
	}
	if cfg.Breaker.CooldownSeconds == 0 {
		cfg.Breaker.CooldownSeconds = d.Breaker.CooldownSeconds
	}
}

// validate rejects a config that would put the process into an unsafe or
// contradictory runtime state instead of panicking deep inside a
// goroutine later.
func validate(cfg Config) error {
	switch cfg.Dispatch.WorkerStrategy {
	case "default", "least_inflight", "least_latency", "random":
	default:
		return fmt.Errorf("config: dispatch.workerStrategy %q is not one of default/least_inflight/least_latency/random", cfg.Dispatch.WorkerStrategy)
	}
	if cfg.Dispatch.MaxRetrySeconds < cfg.Dispatch.BaseRetrySeconds {
		return fmt.Errorf("config: dispatch.maxRetrySeconds (%d) must be >= baseRetrySeconds (%d)", cfg.Dispatch.MaxRetrySeconds, cfg.Dispatch.BaseRetrySeconds)
	}
	if cfg.Session.WindowSize < 1 {
		return fmt.Errorf("config: session.windowSize must be >= 1, got %d", cfg.Session.WindowSize)
	}
	if cfg.Session.WorkerGracePeriodSeconds != 120 {
		return fmt.Errorf("config: session.workerGracePeriodSeconds is fixed at 120 per the resolved grace-period design note, got %d", cfg.Session.WorkerGracePeriodSeconds)
	}
	return nil
}

// Fingerprint is a stable hash of the fields a hot reload should react to,
// used by the watcher to suppress reload events that didn't actually
// change anything meaningful (e.g. a file touch with identical content).
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%d|%d|%d|%s|%d|%d|%d|%d|%d|%f|%f|%f",
		c.Dispatch.AckTimeoutSeconds,
		c.Dispatch.MaxAttempts,
		c.Dispatch.BaseRetrySeconds,
		c.Dispatch.MaxRetrySeconds,
		c.Dispatch.WorkerStrategy,
		c.Dispatch.WorkerMaxHeartbeatAgeSeconds,
		c.Session.WindowSize,
		c.Session.HeartbeatIntervalSeconds,
		c.Session.HeartbeatJitterSeconds,
		c.Resource.MaxInlineBytes,
		c.Session.ReconnectBaseDelaySeconds,
		c.Session.ReconnectMaxDelaySeconds,
		c.Session.ReconnectJitter,
	)
	return fmt.Sprintf("%x", h.Sum64())
}
