package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// LogFormat selects the logger output encoding.
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // machine-readable, for shipping
	LogFormatText   LogFormat = "text"   // console layout without color codes
	LogFormatPretty LogFormat = "pretty" // human-readable, for local dev
)

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level  string
	Format LogFormat
}

// NewLogger creates the process-wide structured logger.
//
// Features:
//   - JSON output by default (log-aggregator friendly)
//   - RFC3339 timestamps and caller information
//   - a stable "service" field for filtering
func NewLogger(config LoggerConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	return zerolog.New(writerFor(config.Format, os.Stdout)).
		With().
		Timestamp().
		Caller().
		Str("service", "chatmirror").
		Logger()
}

// writerFor returns the sink for the given format. JSON is the
// passthrough default; text is the console layout without color codes.
func writerFor(format LogFormat, out io.Writer) io.Writer {
	switch format {
	case LogFormatPretty:
		return zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	case LogFormatText:
		return zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    true,
		}
	}
	return out
}

// RecoverPanic logs a recovered goroutine panic with its stack trace and
// keeps the process running. Use in every long-lived goroutine.
//
// Example:
//
//	go func() {
//	    defer monitoring.RecoverPanic(logger, "dispatch-worker", map[string]any{"worker": id})
//	    // ... work ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))

		for k, v := range fields {
			event = event.Interface(k, v)
		}

		event.Msg("Goroutine panic recovered")
	}
}
