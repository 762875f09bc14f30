package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// NewLogger returns the service logger for one component. Level comes from
// STREAMPAY_LOG_LEVEL (default info). STREAMPAY_LOG_FORMAT=console switches
// from JSON lines to human-readable output.
func NewLogger(component string) zerolog.Logger {
	var out io.Writer = os.Stdout
	if strings.EqualFold(os.Getenv("STREAMPAY_LOG_FORMAT"), "console") {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return newLogger(out, component, parseLogLevel(os.Getenv("STREAMPAY_LOG_LEVEL")))
}

// NewConsoleLogger writes human-readable lines to w, for operator tools.
func NewConsoleLogger(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return newLogger(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}, component, level)
}

func newLogger(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Str("component", component).Logger()
}

func parseLogLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
