package log

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

const logConfigName = "logger"

// LogCfg represents logging configuration. It is loaded under the "logger"
// config name and supports hot reload of the level.
type LogCfg struct {
	// LogPath specifies the target log file path for file-based logging.
	LogPath string `mapstructure:"path"`

	// LogLevel is the minimum level: debug, info, warn, error or fatal.
	LogLevel string `mapstructure:"level"`

	// FileAppender enables file-based logging output.
	FileAppender bool `mapstructure:"fileAppender"`

	// ConsoleAppender enables console (stdout) logging output.
	ConsoleAppender bool `mapstructure:"consoleAppender"`

	EnabledCallerInfo bool `mapstructure:"enabledCallerInfo"`

	// NodeWhiteList lists node ids whose NodeLogger bypasses level filtering.
	NodeWhiteList []int `mapstructure:"nodeWhiteList"`

	nodeWhiteListSet map[int]struct{} `mapstructure:"-"`
}

// GetName implements config.Config.
func (cfg *LogCfg) GetName() string {
	return logConfigName
}

// Validate implements config.Config.
func (cfg *LogCfg) Validate() error {
	if _, err := cfg.Level(); err != nil {
		return err
	}
	if cfg.FileAppender && cfg.LogPath == "" {
		return fmt.Errorf("file appender enabled without path")
	}
	return nil
}

// Level parses LogLevel. An empty level means debug.
func (cfg *LogCfg) Level() (zapcore.Level, error) {
	if cfg.LogLevel == "" {
		return zapcore.DebugLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return lvl, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	return lvl, nil
}

// IsInWhiteList checks if a node id exists in the whitelist.
func (cfg *LogCfg) IsInWhiteList(nodeID int) bool {
	if len(cfg.nodeWhiteListSet) == 0 && len(cfg.NodeWhiteList) != 0 {
		cfg.nodeWhiteListSet = make(map[int]struct{}, len(cfg.NodeWhiteList))
		for _, id := range cfg.NodeWhiteList {
			cfg.nodeWhiteListSet[id] = struct{}{}
		}
	}

	_, exists := cfg.nodeWhiteListSet[nodeID]
	return exists
}

var _defaultCfg = &LogCfg{
	LogLevel:        "info",
	ConsoleAppender: true,
}

func getDefaultCfg() *LogCfg {
	return _defaultCfg
}
