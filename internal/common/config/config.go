// Package config provides configuration management for jinyang.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/romancircus/jinyang/internal/common/logger"
)

// Config holds all configuration sections for jinyang.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Logging      logger.Config      `mapstructure:"logging"`
	Events       EventsConfig       `mapstructure:"events"`
	Tracker      TrackerConfig      `mapstructure:"tracker"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Worktree     WorktreeConfig     `mapstructure:"worktree"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Sessions     SessionsConfig     `mapstructure:"sessions"`
	Providers    []ProviderConfig   `mapstructure:"providers"`
	Repositories []RepositoryConfig `mapstructure:"repositories"`

	// RepositoriesFile optionally points at a standalone YAML file with
	// repository routing definitions; entries are merged after Repositories.
	RepositoriesFile string `mapstructure:"repositoriesFile"`
}

// ServerConfig holds HTTP server configuration for the webhook gateway.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// EventsConfig holds event bus configuration.
type EventsConfig struct {
	// NATSURL enables the NATS backend when non-empty; otherwise the
	// in-memory bus is used.
	NATSURL       string `mapstructure:"natsUrl"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// TrackerConfig holds issue tracker API client configuration.
type TrackerConfig struct {
	APIKey        string `mapstructure:"apiKey"`
	Endpoint      string `mapstructure:"endpoint"`
	WorkspaceID   string `mapstructure:"workspaceId"`
	RequestBudget int    `mapstructure:"requestBudget"` // sliding 1h window cap
	TimeoutMs     int    `mapstructure:"timeoutMs"`
	MaxRetries    int    `mapstructure:"maxRetries"`
}

// AgentConfig holds agent execution configuration.
type AgentConfig struct {
	TimeoutMs          int `mapstructure:"timeoutMs"`
	MaxReconnect       int `mapstructure:"maxReconnect"`
	StatusPollMs       int `mapstructure:"statusPollMs"`
	StatusPollWarmupMs int `mapstructure:"statusPollWarmupMs"`
	MaxAttempts        int `mapstructure:"maxAttempts"` // per-provider call retry budget
}

// BreakerConfig holds circuit breaker configuration shared by all providers.
type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failureThreshold"`
	ResetTimeoutMs   int `mapstructure:"resetTimeoutMs"`
	HalfOpenMaxCalls int `mapstructure:"halfOpenMaxCalls"`
	ProbeIntervalMs  int `mapstructure:"probeIntervalMs"`
}

// WorktreeConfig holds Git worktree configuration.
type WorktreeConfig struct {
	BasePath    string `mapstructure:"basePath"`    // default: ~/.agent/worktrees
	MinFreeMB   int    `mapstructure:"minFreeMB"`   // minimum free disk before create
	OrphanHours int    `mapstructure:"orphanHours"` // orphan cleanup age
}

// SchedulerConfig holds concurrent execution limits.
type SchedulerConfig struct {
	MaxConcurrency int `mapstructure:"maxConcurrency"`
}

// SessionsConfig holds session persistence configuration.
type SessionsConfig struct {
	BasePath string `mapstructure:"basePath"` // default: ~/.agent/sessions
	DBPath   string `mapstructure:"dbPath"`   // sqlite history database
}

// ProviderConfig describes one agent provider, in priority order.
type ProviderConfig struct {
	Type     string `mapstructure:"type"` // opaque backend identifier, e.g. "opencode", "chat"
	Name     string `mapstructure:"name"`
	Priority int    `mapstructure:"priority"`
	Enabled  bool   `mapstructure:"enabled"`
	APIKey   string `mapstructure:"apiKey"`
	Endpoint string `mapstructure:"endpoint"`
	Model    string `mapstructure:"model"`
}

// RepositoryConfig describes one routable source repository.
type RepositoryConfig struct {
	ID            string   `mapstructure:"id" yaml:"id"`
	Name          string   `mapstructure:"name" yaml:"name"`
	LocalPath     string   `mapstructure:"localPath" yaml:"localPath"`
	BaseBranch    string   `mapstructure:"baseBranch" yaml:"baseBranch"`
	GithubURL     string   `mapstructure:"githubUrl" yaml:"githubUrl"`
	WorkspaceID   string   `mapstructure:"workspaceId" yaml:"workspaceId"`
	RoutingLabels []string `mapstructure:"routingLabels" yaml:"routingLabels"`
	ProjectKeys   []string `mapstructure:"projectKeys" yaml:"projectKeys"`
	TeamKeys      []string `mapstructure:"teamKeys" yaml:"teamKeys"`
}

// Load reads configuration from file and environment.
// Search order: ./jinyang.yaml, then ~/.jinyang/jinyang.yaml; no explicit
// config path is read from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("jinyang")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.jinyang")

	v.SetEnvPrefix("JINYANG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; env + defaults are enough to boot.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8422)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("events.maxReconnects", 10)

	v.SetDefault("tracker.endpoint", "https://api.linear.app/graphql")
	v.SetDefault("tracker.requestBudget", 4500)
	v.SetDefault("tracker.timeoutMs", 30000)
	v.SetDefault("tracker.maxRetries", 3)

	v.SetDefault("agent.timeoutMs", 300000)
	v.SetDefault("agent.maxReconnect", 3)
	v.SetDefault("agent.statusPollMs", 10000)
	v.SetDefault("agent.statusPollWarmupMs", 15000)
	v.SetDefault("agent.maxAttempts", 3)

	v.SetDefault("breaker.failureThreshold", 5)
	v.SetDefault("breaker.resetTimeoutMs", 60000)
	v.SetDefault("breaker.halfOpenMaxCalls", 2)
	v.SetDefault("breaker.probeIntervalMs", 30000)

	v.SetDefault("worktree.basePath", "~/.agent/worktrees")
	v.SetDefault("worktree.minFreeMB", 100)
	v.SetDefault("worktree.orphanHours", 24)

	v.SetDefault("scheduler.maxConcurrency", 27)

	v.SetDefault("sessions.basePath", "~/.agent/sessions")
	v.SetDefault("sessions.dbPath", "~/.agent/sessions/history.db")
}

// Validate checks cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one provider is required")
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: provider with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
	}
	if c.Scheduler.MaxConcurrency < 0 {
		return fmt.Errorf("config: scheduler.maxConcurrency must be >= 0")
	}
	return nil
}

// Timeout returns the per-execution timeout as a duration.
func (c *AgentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// ResetTimeout returns the breaker open->half-open delay as a duration.
func (c *BreakerConfig) ResetTimeout() time.Duration {
	return time.Duration(c.ResetTimeoutMs) * time.Millisecond
}

// ProbeInterval returns the health probe tick as a duration.
func (c *BreakerConfig) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalMs) * time.Millisecond
}
