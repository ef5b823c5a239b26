package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a leveled key/value logger. Arguments after the message are
// alternating keys and values.
type Logger struct {
	zl zerolog.Logger
}

// NewLogger creates a new Logger that writes human readable lines to stdout.
func NewLogger() *Logger {
	return New(os.Stdout, "info", true)
}

// New creates a Logger writing to w at the given level. When pretty is false
// each line is a JSON object.
func New(w io.Writer, level string, pretty bool) *Logger {
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return &Logger{zl: zerolog.New(w).Level(lvl).With().Timestamp().Logger()}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// With returns a child logger that always includes the given fields.
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{zl: l.zl.With().Fields(args).Logger()}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.zl.Debug().Fields(args).Msg(msg)
}

// Info logs an informational message.
func (l *Logger) Info(msg string, args ...interface{}) {
	l.zl.Info().Fields(args).Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.zl.Warn().Fields(args).Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...interface{}) {
	l.zl.Error().Fields(args).Msg(msg)
}
