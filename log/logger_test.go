package log

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger() (*GameLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewLoggerWithCore(core), logs
}

func TestLogger_Fields(t *testing.T) {
	logger, logs := newObservedLogger()

	logger.Info().
		Str("transport", "grpc").
		Int("port", 50051).
		Int64("ts", 42).
		Uint64("seq", 7).
		Bool("ok", true).
		Dur("wait", time.Millisecond).
		Err(errors.New("boom")).
		Msg("transport started")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "transport started", entry.Message)
	assert.Equal(t, zapcore.InfoLevel, entry.Level)

	ctx := entry.ContextMap()
	assert.Equal(t, "grpc", ctx["transport"])
	assert.EqualValues(t, 50051, ctx["port"])
	assert.EqualValues(t, 42, ctx["ts"])
	assert.EqualValues(t, 7, ctx["seq"])
	assert.Equal(t, true, ctx["ok"])
	assert.Equal(t, "boom", ctx["error"])
}

func TestLogger_PooledEventsDoNotLeakFields(t *testing.T) {
	logger, logs := newObservedLogger()

	for i := 0; i < 3; i++ {
		logger.Info().Str("peer", "node1").Int("attempt", i).Msg("send")
		logger.Debug().Bool("idle", true).Msg("step")
	}

	require.Equal(t, 6, logs.Len())
	for i, entry := range logs.All() {
		if i%2 == 0 {
			assert.Equal(t, map[string]any{"peer": "node1", "attempt": int64(i / 2)}, entry.ContextMap())
		} else {
			assert.Equal(t, map[string]any{"idle": true}, entry.ContextMap())
		}
	}
}

func TestLogger_NilErrAddsNothing(t *testing.T) {
	logger, logs := newObservedLogger()
	logger.Warn().Err(nil).Msgf("value %d", 3)

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "value 3", logs.All()[0].Message)
	assert.Empty(t, logs.All()[0].Context)
}

func TestLogger_LevelFiltering(t *testing.T) {
	logger, logs := newObservedLogger()
	logger.SetLevel(zapcore.WarnLevel)

	assert.Nil(t, logger.Debug())
	assert.Nil(t, logger.Info())

	// Disabled events are safe to chain.
	logger.Info().Str("k", "v").Int("n", 1).Msg("dropped")
	logger.Warn().Msg("kept")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "kept", logs.All()[0].Message)
}

func TestLogger_FatalPanics(t *testing.T) {
	logger, logs := newObservedLogger()
	assert.Panics(t, func() {
		logger.Fatal().Msg("fatal")
	})
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, zapcore.FatalLevel, logs.All()[0].Level)
}

func TestLogger_HotReloadLevel(t *testing.T) {
	logger, logs := newObservedLogger()

	err := logger.OnConfigChanged("logger", &LogCfg{LogLevel: "error"}, nil)
	require.NoError(t, err)
	logger.Warn().Msg("filtered")
	logger.Error().Msg("visible")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "error", logger.GetCurrentConfig().LogLevel)

	// Other configs are ignored.
	require.NoError(t, logger.OnConfigChanged("dcf", &LogCfg{LogLevel: "debug"}, nil))
	assert.Nil(t, logger.Warn())

	assert.Error(t, logger.OnConfigChanged("logger", &LogCfg{LogLevel: "loud"}, nil))
}

func TestLogger_ConcurrentLevelChange(t *testing.T) {
	logger, _ := newObservedLogger()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				logger.Info().Int("j", j).Msg("tick")
			}
		}()
		go func(i int) {
			defer wg.Done()
			lvl := "info"
			if i%2 == 0 {
				lvl = "warn"
			}
			_ = logger.OnConfigChanged("logger", &LogCfg{LogLevel: lvl}, nil)
		}(i)
	}
	wg.Wait()
}

func TestNodeLogger(t *testing.T) {
	base, logs := newObservedLogger()
	base.SetLevel(zapcore.WarnLevel)

	plain := NewNodeLogger(base, &LogCfg{}, 1)
	plain.Info().Msg("filtered")
	plain.Warn().Msg("plain")

	cfg := &LogCfg{NodeWhiteList: []int{2}}
	verbose := NewNodeLogger(base, cfg, 2)
	assert.True(t, verbose.IgnoreCheckLevel())
	verbose.Debug().Msg("verbose")

	require.Equal(t, 2, logs.Len())
	assert.EqualValues(t, 1, logs.All()[0].ContextMap()["node"])
	assert.Equal(t, "verbose", logs.All()[1].Message)
	assert.EqualValues(t, 2, logs.All()[1].ContextMap()["node"])
	assert.Equal(t, 2, verbose.NodeID())
}

func TestLogCfg_Validate(t *testing.T) {
	assert.NoError(t, (&LogCfg{LogLevel: "info"}).Validate())
	assert.NoError(t, (&LogCfg{}).Validate())
	assert.Error(t, (&LogCfg{LogLevel: "verbose"}).Validate())
	assert.Error(t, (&LogCfg{FileAppender: true}).Validate())
	assert.Equal(t, "logger", (&LogCfg{}).GetName())
}

func TestFileAppender_Write(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "dcf.log")
	logger := NewLogger(&LogCfg{LogLevel: "info", FileAppender: true, LogPath: path})

	logger.Info().Str("peer", "1").Msg("peer inactive, rerouting")
	logger.Debug().Msg("not written")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "peer inactive, rerouting")
	assert.NotContains(t, string(data), "not written")
}

func TestDefaultLogger(t *testing.T) {
	prev := DefaultLogger()
	defer SetDefaultLogger(prev)

	logger, logs := newObservedLogger()
	SetDefaultLogger(logger)
	Info().Msg("package level")
	Debug().Msg("debug")
	Warn().Msg("warn")
	Error().Msg("error")
	assert.Equal(t, 4, logs.Len())
}
