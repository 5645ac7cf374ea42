package log

import "go.uber.org/zap/zapcore"

// NodeLogger tags every entry with the local node id. Nodes listed in the
// configuration whitelist log at every level regardless of the global minimum.
type NodeLogger struct {
	*GameLogger
	nodeID      int
	inWhiteList bool
}

// NewNodeLogger wraps base for nodeID. A nil base uses the default logger and
// a nil cfg uses the base's current configuration.
func NewNodeLogger(base *GameLogger, cfg *LogCfg, nodeID int) *NodeLogger {
	if base == nil {
		base = _defaultLogger
	}
	if cfg == nil {
		cfg = base.GetCurrentConfig()
	}
	return &NodeLogger{
		GameLogger:  base,
		nodeID:      nodeID,
		inWhiteList: cfg.IsInWhiteList(nodeID),
	}
}

// NodeID returns the id attached to every entry.
func (x *NodeLogger) NodeID() int {
	return x.nodeID
}

func (x *NodeLogger) log(level zapcore.Level) *LogEvent {
	e := x.GameLogger.log(level, x.inWhiteList)
	if e == nil {
		return nil
	}
	return e.Int("node", x.nodeID)
}

// IgnoreCheckLevel reports whether this node bypasses level filtering.
func (x *NodeLogger) IgnoreCheckLevel() bool {
	return x.inWhiteList
}

func (x *NodeLogger) Debug() *LogEvent {
	return x.log(zapcore.DebugLevel)
}

func (x *NodeLogger) Info() *LogEvent {
	return x.log(zapcore.InfoLevel)
}

func (x *NodeLogger) Warn() *LogEvent {
	return x.log(zapcore.WarnLevel)
}

func (x *NodeLogger) Error() *LogEvent {
	return x.log(zapcore.ErrorLevel)
}

func (x *NodeLogger) Fatal() *LogEvent {
	return x.log(zapcore.FatalLevel)
}
