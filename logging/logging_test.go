package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tliron/commonlog"

	"github.com/najoast/isoheap/config"
)

func TestLevelMapping(t *testing.T) {
	tests := []struct {
		level     config.LogLevel
		want      commonlog.Level
		verbosity int
	}{
		{config.LogLevelDebug, commonlog.Debug, 2},
		{config.LogLevelInfo, commonlog.Info, 1},
		{config.LogLevelNotice, commonlog.Notice, 0},
		{config.LogLevelWarn, commonlog.Warning, -1},
		{config.LogLevelError, commonlog.Error, -2},
		{config.LogLevelNone, commonlog.None, -5},
		{"bogus", commonlog.Info, 1},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			assert.Equal(t, tt.want, Level(tt.level))
			assert.Equal(t, tt.verbosity, Verbosity(tt.level))
		})
	}
}

func TestConfigureOutputs(t *testing.T) {
	defer Configure(config.DefaultConfig().Log)

	for _, output := range []string{"", "stderr", "stdout", t.TempDir() + "/isoheap.log"} {
		assert.NotPanics(t, func() {
			Configure(config.LogConfig{Level: config.LogLevelDebug, Output: output})
			SetLevel(config.LogLevelWarn)
			GetLogger("runtime").Warningf("output %q", output)
		})
	}
	assert.NotNil(t, GetLogger(""))
}
