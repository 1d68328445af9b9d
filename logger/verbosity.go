package logger

import "go.uber.org/zap/zapcore"

// Verbosity level constants for CLI flag counts.
const (
	VerbosityDefault = 0 // No flags: configured level
	VerbosityInfo    = 1 // -v
	VerbosityDebug   = 2 // -vv
)

// VerbosityToLevel maps -v flag counts onto zap levels. Zero keeps the
// configured level.
func VerbosityToLevel(verbosity int, configured zapcore.Level) zapcore.Level {
	switch {
	case verbosity <= VerbosityDefault:
		return configured
	case verbosity == VerbosityInfo:
		if configured < zapcore.InfoLevel {
			return configured
		}
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
