// Package config provides configuration management for previewd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for previewd.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	RecordStore RecordStoreConfig `mapstructure:"recordStore"`
	Workspace   WorkspaceConfig   `mapstructure:"workspace"`
	Session     SessionConfig     `mapstructure:"session"`
	Ports       PortsConfig       `mapstructure:"ports"`
	Preview     PreviewConfig     `mapstructure:"preview"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// RecordStoreConfig holds the backend for the shared session record store.
// URL selects PostgreSQL (multi-instance deployments); when empty, sessions
// persist to a local SQLite file under SQLitePath.
type RecordStoreConfig struct {
	URL        string `mapstructure:"url"`
	Secret     string `mapstructure:"secret"`
	SQLitePath string `mapstructure:"sqlitePath"`
	MaxConns   int    `mapstructure:"maxConns"`
}

// WorkspaceConfig holds per-session workspace filesystem configuration.
type WorkspaceConfig struct {
	BaseDir        string `mapstructure:"baseDir"`
	CloneTimeout   int    `mapstructure:"cloneTimeout"`   // in seconds
	InstallTimeout int    `mapstructure:"installTimeout"` // in seconds
}

// SessionConfig holds session lifecycle configuration.
type SessionConfig struct {
	IdleTimeout    int `mapstructure:"idleTimeout"`    // seconds before an idle ready session stops
	MaxLifetime    int `mapstructure:"maxLifetime"`    // seconds from creation to expiry
	StartupTimeout int `mapstructure:"startupTimeout"` // readiness deadline in seconds
	MaxConcurrent  int `mapstructure:"maxConcurrent"`  // soft cap per instance
	SweepInterval  int `mapstructure:"sweepInterval"`  // sweeper period in seconds
	StaleThreshold int `mapstructure:"staleThreshold"` // orphan staleness cutoff in seconds
}

// PortsConfig holds the allocator range for dev-server ports.
// RangeEnd is exclusive and must exceed RangeStart.
type PortsConfig struct {
	RangeStart int `mapstructure:"rangeStart"`
	RangeEnd   int `mapstructure:"rangeEnd"`
}

// PreviewConfig holds routing configuration for the preview surface.
type PreviewConfig struct {
	BaseURL             string `mapstructure:"baseUrl"`
	PreviewDomain       string `mapstructure:"previewDomain"`
	UseSubdomainRouting bool   `mapstructure:"useSubdomainRouting"`
}

// AuthConfig holds API authentication configuration.
type AuthConfig struct {
	SharedAPISecret string `mapstructure:"sharedApiSecret"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CloneTimeoutDuration returns the clone timeout as a time.Duration.
func (w *WorkspaceConfig) CloneTimeoutDuration() time.Duration {
	return time.Duration(w.CloneTimeout) * time.Second
}

// InstallTimeoutDuration returns the install timeout as a time.Duration.
func (w *WorkspaceConfig) InstallTimeoutDuration() time.Duration {
	return time.Duration(w.InstallTimeout) * time.Second
}

// IdleTimeoutDuration returns the idle timeout as a time.Duration.
func (s *SessionConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// MaxLifetimeDuration returns the max lifetime as a time.Duration.
func (s *SessionConfig) MaxLifetimeDuration() time.Duration {
	return time.Duration(s.MaxLifetime) * time.Second
}

// StartupTimeoutDuration returns the readiness deadline as a time.Duration.
func (s *SessionConfig) StartupTimeoutDuration() time.Duration {
	return time.Duration(s.StartupTimeout) * time.Second
}

// SweepIntervalDuration returns the sweeper period as a time.Duration.
func (s *SessionConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(s.SweepInterval) * time.Second
}

// StaleThresholdDuration returns the orphan staleness cutoff as a time.Duration.
func (s *SessionConfig) StaleThresholdDuration() time.Duration {
	return time.Duration(s.StaleThreshold) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("PREVIEWD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Record store defaults - empty URL means local SQLite
	v.SetDefault("recordStore.url", "")
	v.SetDefault("recordStore.secret", "")
	v.SetDefault("recordStore.sqlitePath", "previewd.db")
	v.SetDefault("recordStore.maxConns", 10)

	// Workspace defaults
	v.SetDefault("workspace.baseDir", "/tmp/previewd-workspaces")
	v.SetDefault("workspace.cloneTimeout", 120)
	v.SetDefault("workspace.installTimeout", 300)

	// Session defaults
	v.SetDefault("session.idleTimeout", 1800)   // 30 minutes
	v.SetDefault("session.maxLifetime", 7200)   // 2 hours
	v.SetDefault("session.startupTimeout", 120) // 2 minutes
	v.SetDefault("session.maxConcurrent", 20)
	v.SetDefault("session.sweepInterval", 60)
	v.SetDefault("session.staleThreshold", 600) // 10 minutes

	// Port allocator defaults
	v.SetDefault("ports.rangeStart", 3001)
	v.SetDefault("ports.rangeEnd", 3100)

	// Preview routing defaults
	v.SetDefault("preview.baseUrl", "http://localhost:8000")
	v.SetDefault("preview.previewDomain", "")
	v.SetDefault("preview.useSubdomainRouting", false)

	// Auth defaults
	v.SetDefault("auth.sharedApiSecret", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix PREVIEWD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/previewd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("PREVIEWD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("workspace.baseDir", "PREVIEWD_WORKSPACE_BASE_DIR")
	_ = v.BindEnv("workspace.cloneTimeout", "PREVIEWD_WORKSPACE_CLONE_TIMEOUT")
	_ = v.BindEnv("workspace.installTimeout", "PREVIEWD_WORKSPACE_INSTALL_TIMEOUT")
	_ = v.BindEnv("session.idleTimeout", "PREVIEWD_SESSION_IDLE_TIMEOUT")
	_ = v.BindEnv("session.maxLifetime", "PREVIEWD_SESSION_MAX_LIFETIME")
	_ = v.BindEnv("session.startupTimeout", "PREVIEWD_SESSION_STARTUP_TIMEOUT")
	_ = v.BindEnv("session.maxConcurrent", "PREVIEWD_MAX_CONCURRENT_SESSIONS")
	_ = v.BindEnv("ports.rangeStart", "PREVIEWD_PORT_RANGE_START")
	_ = v.BindEnv("ports.rangeEnd", "PREVIEWD_PORT_RANGE_END")
	_ = v.BindEnv("preview.baseUrl", "PREVIEWD_BASE_URL")
	_ = v.BindEnv("preview.previewDomain", "PREVIEWD_PREVIEW_DOMAIN")
	_ = v.BindEnv("preview.useSubdomainRouting", "PREVIEWD_USE_SUBDOMAIN_ROUTING")
	_ = v.BindEnv("recordStore.url", "PREVIEWD_RECORD_STORE_URL")
	_ = v.BindEnv("recordStore.secret", "PREVIEWD_RECORD_STORE_SECRET")
	_ = v.BindEnv("recordStore.sqlitePath", "PREVIEWD_RECORD_STORE_SQLITE_PATH")
	_ = v.BindEnv("auth.sharedApiSecret", "PREVIEWD_SHARED_API_SECRET")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/previewd/")

	// Read config file (ignore if not found)
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

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Workspace.BaseDir == "" {
		errs = append(errs, "workspace.baseDir is required")
	}
	if cfg.Workspace.CloneTimeout <= 0 {
		errs = append(errs, "workspace.cloneTimeout must be positive")
	}
	if cfg.Workspace.InstallTimeout <= 0 {
		errs = append(errs, "workspace.installTimeout must be positive")
	}

	if cfg.Session.IdleTimeout <= 0 {
		errs = append(errs, "session.idleTimeout must be positive")
	}
	if cfg.Session.MaxLifetime <= 0 {
		errs = append(errs, "session.maxLifetime must be positive")
	}
	if cfg.Session.StartupTimeout <= 0 {
		errs = append(errs, "session.startupTimeout must be positive")
	}
	if cfg.Session.MaxConcurrent <= 0 {
		errs = append(errs, "session.maxConcurrent must be positive")
	}

	if cfg.Ports.RangeStart <= 0 || cfg.Ports.RangeStart > 65535 {
		errs = append(errs, "ports.rangeStart must be between 1 and 65535")
	}
	if cfg.Ports.RangeEnd <= cfg.Ports.RangeStart {
		errs = append(errs, "ports.rangeEnd must exceed ports.rangeStart")
	}
	if cfg.Ports.RangeEnd > 65536 {
		errs = append(errs, "ports.rangeEnd must not exceed 65536")
	}

	if cfg.Preview.UseSubdomainRouting && cfg.Preview.PreviewDomain == "" {
		errs = append(errs, "preview.previewDomain is required when preview.useSubdomainRouting is enabled")
	}

	if cfg.RecordStore.URL == "" && cfg.RecordStore.SQLitePath == "" {
		errs = append(errs, "one of recordStore.url or recordStore.sqlitePath is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
