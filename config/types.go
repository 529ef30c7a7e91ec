// Package config provides configuration management for isoheap runtimes
package config

import (
	"time"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelDebug  LogLevel = "debug"
	LogLevelInfo   LogLevel = "info"
	LogLevelNotice LogLevel = "notice"
	LogLevelWarn   LogLevel = "warn"
	LogLevelError  LogLevel = "error"
	LogLevelNone   LogLevel = "none"
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelNotice, LogLevelWarn, LogLevelError, LogLevelNone:
		return true
	default:
		return false
	}
}

// Config represents the complete runtime configuration
type Config struct {
	// Application configuration
	App AppConfig `yaml:"app" json:"app" toml:"app"`

	// Logging configuration
	Log LogConfig `yaml:"log" json:"log" toml:"log"`

	// Worker runtime configuration
	Runtime RuntimeConfig `yaml:"runtime" json:"runtime" toml:"runtime"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	// Application name
	Name string `yaml:"name" json:"name" toml:"name"`

	// Application version
	Version string `yaml:"version" json:"version" toml:"version"`

	// Deployment environment
	Environment Environment `yaml:"environment" json:"environment" toml:"environment"`

	// Application metadata
	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty" toml:"metadata,omitempty"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Log level
	Level LogLevel `yaml:"level" json:"level" toml:"level"`

	// Output destination (stderr, stdout, file path)
	Output string `yaml:"output" json:"output" toml:"output"`
}

// RuntimeConfig contains worker runtime settings
type RuntimeConfig struct {
	// Mailbox capacity used when a spawn does not name one
	DefaultCapacity int `yaml:"default_capacity" json:"default_capacity" toml:"default_capacity"`

	// Mailbox capacity of the main context
	MainCapacity int `yaml:"main_capacity" json:"main_capacity" toml:"main_capacity"`

	// Maximum number of workers running at once. Terminated workers do
	// not count, even while handles keep their records
	MaxWorkers int `yaml:"max_workers" json:"max_workers" toml:"max_workers"`

	// Pin every worker to its own OS thread
	LockOSThread bool `yaml:"lock_os_thread" json:"lock_os_thread" toml:"lock_os_thread"`

	// Maximum nesting depth of a marshalled value
	MaxDepth int `yaml:"max_depth" json:"max_depth" toml:"max_depth"`

	// How long a graceful shutdown waits for workers
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" toml:"shutdown_timeout"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "isoheap-app",
			Version:     "1.0.0",
			Environment: EnvDevelopment,
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Output: "stderr",
		},
		Runtime: DefaultRuntimeConfig(),
	}
}

// DefaultRuntimeConfig returns the default worker runtime settings
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		DefaultCapacity: 10,
		MainCapacity:    64,
		MaxWorkers:      10000,
		LockOSThread:    false,
		MaxDepth:        256,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate app config
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if !c.App.Environment.IsValid() {
		return ErrInvalidEnvironment
	}

	// Validate log config
	if !c.Log.Level.IsValid() {
		return ErrInvalidLogLevel
	}

	return c.Runtime.Validate()
}

// Validate validates the runtime settings
func (r *RuntimeConfig) Validate() error {
	if r.DefaultCapacity <= 0 || r.MainCapacity <= 0 {
		return ErrInvalidMailboxSize
	}
	if r.MaxWorkers <= 0 {
		return ErrInvalidMaxWorkers
	}
	if r.MaxDepth <= 0 {
		return ErrInvalidMaxDepth
	}
	if r.ShutdownTimeout < 0 {
		return ErrInvalidShutdownTimeout
	}
	return nil
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}
