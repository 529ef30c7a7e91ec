// Package logging configures the commonlog backend shared by every isoheap
// component.
package logging

import (
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/najoast/isoheap/config"
)

// Prefix is prepended to every component logger name.
const Prefix = "isoheap"

// Verbosity maps a configured level to commonlog verbosity.
// commonlog counts Notice as verbosity 0, so quieter levels are negative.
func Verbosity(level config.LogLevel) int {
	switch level {
	case config.LogLevelDebug:
		return 2
	case config.LogLevelInfo:
		return 1
	case config.LogLevelNotice:
		return 0
	case config.LogLevelWarn:
		return -1
	case config.LogLevelError:
		return -2
	case config.LogLevelNone:
		return -5
	default:
		return 1
	}
}

// Level maps a configured level to a commonlog level.
func Level(level config.LogLevel) commonlog.Level {
	switch level {
	case config.LogLevelDebug:
		return commonlog.Debug
	case config.LogLevelInfo:
		return commonlog.Info
	case config.LogLevelNotice:
		return commonlog.Notice
	case config.LogLevelWarn:
		return commonlog.Warning
	case config.LogLevelError:
		return commonlog.Error
	case config.LogLevelNone:
		return commonlog.None
	default:
		return commonlog.Info
	}
}

// Configure installs the backend described by cfg.
func Configure(cfg config.LogConfig) {
	var path *string
	switch output := strings.TrimSpace(cfg.Output); output {
	case "", "stderr":
	case "stdout":
		stdout := "/dev/stdout"
		path = &stdout
	default:
		path = &output
	}
	commonlog.Configure(Verbosity(cfg.Level), path)
	commonlog.SetMaxLevel(Level(cfg.Level))
}

// SetLevel changes the level of the isoheap loggers without replacing the
// backend. It is used on configuration reload.
func SetLevel(level config.LogLevel) {
	commonlog.SetMaxLevel(Level(level), Prefix)
}

// GetLogger returns the logger for a component, e.g. "runtime".
func GetLogger(component string) commonlog.Logger {
	if component == "" {
		return commonlog.GetLogger(Prefix)
	}
	return commonlog.GetLogger(Prefix + "." + component)
}
