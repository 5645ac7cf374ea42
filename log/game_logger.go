package log

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/lcx/dcf/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// GameLogger is the structured logger used across the node. Events are
// assembled with the builder API (Info().Str(...).Msg(...)) and written
// through a zap core. The minimum level can be changed at runtime through
// the config manager.
//
// Example usage:
//
//	logger := NewLogger(&LogCfg{LogLevel: "info", ConsoleAppender: true})
//	logger.Info().Str("transport", "grpc").Int("port", 50051).Msg("transport started")
type GameLogger struct {
	zl            *zap.Logger
	level         zap.AtomicLevel
	eventPool     *sync.Pool
	configManager config.ConfigManager
	configMutex   sync.RWMutex
	currentConfig *LogCfg
	closers       []func() error
}

// NewLogger creates a new GameLogger. If cfg is nil, default values are used.
// An unparsable level falls back to info.
func NewLogger(cfg *LogCfg) *GameLogger {
	if cfg == nil {
		cfg = getDefaultCfg()
	}

	lvl, err := cfg.Level()
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	logger := &GameLogger{
		level:         zap.NewAtomicLevelAt(lvl),
		currentConfig: cfg,
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	if cfg.ConsoleAppender {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(os.Stdout), allLevels))
	}
	if cfg.FileAppender && cfg.LogPath != "" {
		if ws, closeFn, err := openLogFile(cfg.LogPath); err == nil {
			cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), ws, allLevels))
			logger.closers = append(logger.closers, closeFn)
		}
	}

	opts := []zap.Option{zap.WithFatalHook(zapcore.WriteThenPanic)}
	if cfg.EnabledCallerInfo {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(2))
	}
	logger.zl = zap.New(zapcore.NewTee(cores...), opts...)
	logger.initPool()
	return logger
}

// NewLoggerWithCore builds a GameLogger on an existing zap core, typically an
// observer core in tests. Level filtering is delegated to the core.
func NewLoggerWithCore(core zapcore.Core) *GameLogger {
	logger := &GameLogger{
		level:         zap.NewAtomicLevelAt(zapcore.DebugLevel),
		currentConfig: getDefaultCfg(),
		zl:            zap.New(core, zap.WithFatalHook(zapcore.WriteThenPanic)),
	}
	logger.initPool()
	return logger
}

// NewLoggerWithConfigManager creates a GameLogger that follows level changes
// published by configManager.
func NewLoggerWithConfigManager(cfg *LogCfg, configManager config.ConfigManager) *GameLogger {
	logger := NewLogger(cfg)
	logger.configManager = configManager
	if configManager != nil {
		configManager.AddChangeListener(logger)
	}
	return logger
}

func (x *GameLogger) initPool() {
	x.eventPool = &sync.Pool{
		New: func() any {
			return &LogEvent{logger: x, fields: make([]zap.Field, 0, 8)}
		},
	}
}

// Cores accept every level; filtering happens in log so whitelisted node
// loggers can bypass it.
var allLevels = zap.LevelEnablerFunc(func(zapcore.Level) bool { return true })

func openLogFile(path string) (zapcore.WriteSyncer, func() error, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return zapcore.Lock(f), f.Close, nil
}

// OnConfigChanged implements config.ConfigChangeListener. Only the level is
// hot reloaded; appenders are fixed at construction.
func (x *GameLogger) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != logConfigName {
		return nil
	}

	newLogCfg, ok := newConfig.(*LogCfg)
	if !ok {
		return nil
	}

	lvl, err := newLogCfg.Level()
	if err != nil {
		return err
	}

	x.configMutex.Lock()
	x.currentConfig = newLogCfg
	x.configMutex.Unlock()
	x.level.SetLevel(lvl)
	return nil
}

// GetCurrentConfig returns the configuration last applied.
func (x *GameLogger) GetCurrentConfig() *LogCfg {
	x.configMutex.RLock()
	defer x.configMutex.RUnlock()
	return x.currentConfig
}

// SetLevel changes the minimum level at runtime.
func (x *GameLogger) SetLevel(lvl zapcore.Level) {
	x.level.SetLevel(lvl)
}

// Zap exposes the underlying zap logger for libraries that take one.
func (x *GameLogger) Zap() *zap.Logger {
	return x.zl
}

// Sync flushes buffered output.
func (x *GameLogger) Sync() error {
	return x.zl.Sync()
}

// Close flushes and closes any log files.
func (x *GameLogger) Close() error {
	_ = x.zl.Sync()
	for _, c := range x.closers {
		if err := c(); err != nil {
			return err
		}
	}
	x.closers = nil
	return nil
}

func (x *GameLogger) IgnoreCheckLevel() bool {
	return false
}

func (x *GameLogger) Debug() *LogEvent {
	return x.log(zapcore.DebugLevel, false)
}

func (x *GameLogger) Info() *LogEvent {
	return x.log(zapcore.InfoLevel, false)
}

func (x *GameLogger) Warn() *LogEvent {
	return x.log(zapcore.WarnLevel, false)
}

func (x *GameLogger) Error() *LogEvent {
	return x.log(zapcore.ErrorLevel, false)
}

// Fatal logs and then panics once the message is written.
func (x *GameLogger) Fatal() *LogEvent {
	return x.log(zapcore.FatalLevel, false)
}

// log returns nil when level is disabled, unless force is set.
func (x *GameLogger) log(level zapcore.Level, force bool) *LogEvent {
	if !force && !x.level.Enabled(level) {
		return nil
	}
	e := x.eventPool.Get().(*LogEvent)
	e.reset()
	e.level = level
	return e
}

// write hands the fields to zap before the event goes back to the pool, so the
// field slice is reused by the next event.
func (x *GameLogger) write(e *LogEvent, msg string) {
	defer x.eventPool.Put(e)
	if ce := x.zl.Check(e.level, msg); ce != nil {
		// Fatal panics here after the entry is written.
		ce.Write(e.fields...)
	}
}
