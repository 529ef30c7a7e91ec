// Package config provides error definitions for configuration management
package config

import "github.com/pkg/errors"

// Configuration validation errors
var (
	ErrInvalidAppName         = errors.New("invalid application name")
	ErrInvalidEnvironment     = errors.New("invalid environment")
	ErrInvalidLogLevel        = errors.New("invalid log level")
	ErrInvalidMailboxSize     = errors.New("invalid mailbox size")
	ErrInvalidMaxWorkers      = errors.New("invalid max workers")
	ErrInvalidMaxDepth        = errors.New("invalid max depth")
	ErrInvalidShutdownTimeout = errors.New("invalid shutdown timeout")
)

// Configuration loading errors
var (
	ErrConfigFileNotFound = errors.New("configuration file not found")
	ErrUnsupportedFormat  = errors.New("unsupported configuration format")
)
