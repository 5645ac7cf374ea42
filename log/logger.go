package log

import (
	"github.com/lcx/dcf/config"
)

// Logger is the event-builder logging contract shared by GameLogger and
// NodeLogger.
type Logger interface {
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	Fatal() *LogEvent
	IgnoreCheckLevel() bool
}

var _defaultLogger *GameLogger

func init() {
	_defaultLogger = NewLogger(nil)
}

// SetDefaultLogger replaces the logger behind the package-level functions.
func SetDefaultLogger(logger *GameLogger) {
	_defaultLogger = logger
}

// DefaultLogger returns the logger behind the package-level functions.
func DefaultLogger() *GameLogger {
	return _defaultLogger
}

// InitializeWithConfigManager loads the "logger" configuration from
// configManager and installs a hot-reloadable default logger.
func InitializeWithConfigManager(configManager config.ConfigManager) error {
	if configManager == nil {
		return nil
	}

	logCfg := &LogCfg{}
	if err := configManager.LoadConfig(logConfigName, logCfg); err != nil {
		return err
	}

	SetDefaultLogger(NewLoggerWithConfigManager(logCfg, configManager))
	return nil
}

func Debug() *LogEvent {
	return _defaultLogger.Debug()
}

func Info() *LogEvent {
	return _defaultLogger.Info()
}

func Warn() *LogEvent {
	return _defaultLogger.Warn()
}

func Error() *LogEvent {
	return _defaultLogger.Error()
}

func Fatal() *LogEvent {
	return _defaultLogger.Fatal()
}
