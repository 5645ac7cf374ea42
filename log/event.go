package log

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogEvent accumulates fields for a single log line. A nil *LogEvent is a
// disabled event: every method is a no-op so call chains stay cheap.
type LogEvent struct {
	level  zapcore.Level
	fields []zap.Field
	logger *GameLogger
}

func (e *LogEvent) reset() {
	e.fields = e.fields[:0]
}

func (e *LogEvent) Str(key, val string) *LogEvent {
	if e == nil {
		return e
	}
	e.fields = append(e.fields, zap.String(key, val))
	return e
}

func (e *LogEvent) Int(key string, val int) *LogEvent {
	if e == nil {
		return e
	}
	e.fields = append(e.fields, zap.Int(key, val))
	return e
}

func (e *LogEvent) Int64(key string, val int64) *LogEvent {
	if e == nil {
		return e
	}
	e.fields = append(e.fields, zap.Int64(key, val))
	return e
}

func (e *LogEvent) Uint64(key string, val uint64) *LogEvent {
	if e == nil {
		return e
	}
	e.fields = append(e.fields, zap.Uint64(key, val))
	return e
}

func (e *LogEvent) Bool(key string, val bool) *LogEvent {
	if e == nil {
		return e
	}
	e.fields = append(e.fields, zap.Bool(key, val))
	return e
}

func (e *LogEvent) Dur(key string, val time.Duration) *LogEvent {
	if e == nil {
		return e
	}
	e.fields = append(e.fields, zap.Duration(key, val))
	return e
}

func (e *LogEvent) Time(key string, val time.Time) *LogEvent {
	if e == nil {
		return e
	}
	e.fields = append(e.fields, zap.Time(key, val))
	return e
}

func (e *LogEvent) Any(key string, val any) *LogEvent {
	if e == nil {
		return e
	}
	e.fields = append(e.fields, zap.Any(key, val))
	return e
}

// Err adds the error under the "error" key. A nil error adds nothing.
func (e *LogEvent) Err(err error) *LogEvent {
	if e == nil || err == nil {
		return e
	}
	e.fields = append(e.fields, zap.Error(err))
	return e
}

// Msg writes the event and releases it. The event must not be used afterwards.
func (e *LogEvent) Msg(msg string) {
	if e == nil {
		return
	}
	e.logger.write(e, msg)
}

// Msgf is Msg with fmt.Sprintf formatting.
func (e *LogEvent) Msgf(format string, args ...any) {
	if e == nil {
		return
	}
	e.logger.write(e, fmt.Sprintf(format, args...))
}
