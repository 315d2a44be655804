package revenium

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger provides leveled logging for the revenium package, backed by zerolog.
type Logger struct {
	zl zerolog.Logger
}

func newLogger(debug bool, out io.Writer) *Logger {
	if out == nil {
		out = os.Stderr
	}
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zl := zerolog.New(out).Level(level).With().
		Timestamp().
		Str("component", "revenium").
		Logger()
	return &Logger{zl: zl}
}

// Debug logs a message at debug level (only when debug mode is enabled).
func (l *Logger) Debug(msg string, args ...any) {
	l.zl.Debug().Msgf(msg, args...)
}

// Info logs a message at info level.
func (l *Logger) Info(msg string, args ...any) {
	l.zl.Info().Msgf(msg, args...)
}

// Warn logs a message at warn level.
func (l *Logger) Warn(msg string, args ...any) {
	l.zl.Warn().Msgf(msg, args...)
}

// Error logs a message at error level.
func (l *Logger) Error(msg string, args ...any) {
	l.zl.Error().Msgf(msg, args...)
}
