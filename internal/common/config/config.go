// Package config provides configuration management for the chat session orchestrator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Events   EventsConfig   `mapstructure:"events"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Session  SessionConfig  `mapstructure:"session"`
	Platform PlatformConfig `mapstructure:"platform"`
}

// ServerConfig holds the admin/health HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds session persistence configuration.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // currently only "sqlite"
	Path   string `mapstructure:"path"`
}

// EventsConfig holds internal event bus configuration.
type EventsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// SessionConfig holds per-session runtime tunables. These are defaults;
// a PlatformClient's GetMessageLimits() takes precedence for size thresholds.
type SessionConfig struct {
	// FlushDebounceMs is the debounce window for Content Executor flushes (spec.md §4.3: 100-500ms).
	FlushDebounceMs int `mapstructure:"flushDebounceMs"`
	// MaxSessions is the maximum number of concurrently active sessions.
	MaxSessions int `mapstructure:"maxSessions"`
	// IdleWarningMinutes is when a one-time idle warning is posted.
	IdleWarningMinutes int `mapstructure:"idleWarningMinutes"`
	// IdleTimeoutMinutes is when an idle session is paused.
	IdleTimeoutMinutes int `mapstructure:"idleTimeoutMinutes"`
	// MonitorIntervalSeconds is how often the Session Monitor runs (spec.md §4.14).
	MonitorIntervalSeconds int `mapstructure:"monitorIntervalSeconds"`
	// CleanupIntervalMinutes is how often Background Cleanup runs.
	CleanupIntervalMinutes int `mapstructure:"cleanupIntervalMinutes"`
	// MaxWorktreeAgeHours bounds worktree GC eligibility.
	MaxWorktreeAgeHours int `mapstructure:"maxWorktreeAgeHours"`
	// HistoryRetentionDays bounds how long soft-deleted sessions are kept.
	HistoryRetentionDays int `mapstructure:"historyRetentionDays"`
}

// PlatformConfig holds chat-platform-facing defaults (fallbacks only — a
// connected PlatformClient's own limits always win, per spec.md §6.1) plus
// the assistant child process launch parameters (spec.md §6.2).
type PlatformConfig struct {
	DefaultMaxLength     int `mapstructure:"defaultMaxLength"`
	DefaultHardThreshold int `mapstructure:"defaultHardThreshold"`

	// ID identifies the connected platform adapter instance (spec.md §3 I1's
	// platformId half of a session's composite id).
	ID string `mapstructure:"id"`
	// AssistantCommand is the path to the assistant CLI binary spawned per
	// session (spec.md §6.2).
	AssistantCommand string `mapstructure:"assistantCommand"`
	// DefaultWorkingDir is the working directory a new session starts in
	// absent an explicit `!cd` or inline worktree request.
	DefaultWorkingDir string `mapstructure:"defaultWorkingDir"`
}

// MonitorInterval returns the session monitor interval as a time.Duration.
func (s *SessionConfig) MonitorInterval() time.Duration {
	return time.Duration(s.MonitorIntervalSeconds) * time.Second
}

// CleanupInterval returns the background cleanup interval as a time.Duration.
func (s *SessionConfig) CleanupInterval() time.Duration {
	return time.Duration(s.CleanupIntervalMinutes) * time.Minute
}

// FlushDebounce returns the content-flush debounce window as a time.Duration.
func (s *SessionConfig) FlushDebounce() time.Duration {
	return time.Duration(s.FlushDebounceMs) * time.Millisecond
}

// IdleWarning returns the idle-warning threshold as a time.Duration.
func (s *SessionConfig) IdleWarning() time.Duration {
	return time.Duration(s.IdleWarningMinutes) * time.Minute
}

// IdleTimeout returns the idle-timeout threshold as a time.Duration.
func (s *SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMinutes) * time.Minute
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CHATOPS_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./chatops.db")

	v.SetDefault("events.namespace", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("session.flushDebounceMs", 200)
	v.SetDefault("session.maxSessions", 50)
	v.SetDefault("session.idleWarningMinutes", 20)
	v.SetDefault("session.idleTimeoutMinutes", 30)
	v.SetDefault("session.monitorIntervalSeconds", 60)
	v.SetDefault("session.cleanupIntervalMinutes", 60)
	v.SetDefault("session.maxWorktreeAgeHours", 72)
	v.SetDefault("session.historyRetentionDays", 30)

	v.SetDefault("platform.defaultMaxLength", 16000)
	v.SetDefault("platform.defaultHardThreshold", 12000)
	v.SetDefault("platform.id", "default")
	v.SetDefault("platform.assistantCommand", "claude")
	v.SetDefault("platform.defaultWorkingDir", ".")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CHATOPS_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CHATOPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "CHATOPS_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "CHATOPS_EVENTS_NAMESPACE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/chatops/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Session.MaxSessions <= 0 {
		errs = append(errs, "session.maxSessions must be positive")
	}
	if cfg.Session.IdleTimeoutMinutes <= cfg.Session.IdleWarningMinutes {
		errs = append(errs, "session.idleTimeoutMinutes must be greater than session.idleWarningMinutes")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
