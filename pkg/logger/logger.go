// Package logger is the process-wide structured logger.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
)

// Logger is a named logr.Logger so helpers can decorate it with values
// without depending on the backend.
type Logger logr.Logger

var defaultLogger = newLogger(os.Stderr, zerolog.InfoLevel, false)

// Init replaces the default logger. level is one of trace, debug, info,
// warn or error; an empty or unknown level means info.
func Init(level string, pretty bool) {
	defaultLogger = newLogger(os.Stderr, parseLevel(level), pretty)
}

// InitWithWriter is Init for tests and embedding.
func InitWithWriter(w io.Writer, level string) {
	defaultLogger = newLogger(w, parseLevel(level), false)
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

func newLogger(w io.Writer, lvl zerolog.Level, pretty bool) logr.Logger {
	if pretty {
		w = zerolog.ConsoleWriter{Out: w}
	}
	zl := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return zerologr.New(&zl)
}

// GetLogger returns the default logger.
func GetLogger() logr.Logger {
	return defaultLogger
}

func Debugw(msg string, keysAndValues ...interface{}) {
	defaultLogger.V(1).Info(msg, keysAndValues...)
}

func Infow(msg string, keysAndValues ...interface{}) {
	defaultLogger.Info(msg, keysAndValues...)
}

func Errorw(msg string, err error, keysAndValues ...interface{}) {
	defaultLogger.Error(err, msg, keysAndValues...)
}
