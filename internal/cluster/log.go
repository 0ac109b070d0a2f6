package cluster

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

// LogLevelEnv overrides the configured log level when set.
const LogLevelEnv = "BEEDB_LOG_LEVEL"

// NewLogger builds the root logger of a process. Components derive their own
// loggers with Named and With.
func NewLogger(name string, cfg LogConfig) hclog.Logger {
	levelName := cfg.Level
	if v := os.Getenv(LogLevelEnv); v != "" {
		levelName = v
	}

	level := hclog.LevelFromString(levelName)
	if level == hclog.NoLevel {
		level = hclog.Info
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      level,
		Output:     os.Stderr,
		JSONFormat: cfg.JSON,
	})
}
