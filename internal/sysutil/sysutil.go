// Package sysutil configures process-wide concerns: the global zerolog
// logger and env-string parsing shared by config and main.
package sysutil

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoggerOptions describes the process logger.
type LoggerOptions struct {
	Level   string
	Pretty  bool   // human-readable console output for local runs
	Service string // attached to every line
	Mode    string // all|api|worker
	Out     io.Writer
}

// SetupLogger replaces the global zerolog logger and level.
func SetupLogger(o LoggerOptions) zerolog.Logger {
	SetLogLevel(o.Level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer = os.Stdout
	if o.Out != nil {
		out = o.Out
	}
	if o.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(out).With().Timestamp()
	if o.Service != "" {
		ctx = ctx.Str("service", o.Service)
	}
	if o.Mode != "" {
		ctx = ctx.Str("mode", o.Mode)
	}
	log.Logger = ctx.Logger()
	return log.Logger
}

// SetLogLevel sets the global zerolog level from a case-insensitive name.
// Unknown or empty values select info.
func SetLogLevel(lvl string) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	case "panic":
		zerolog.SetGlobalLevel(zerolog.PanicLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// IsTruthy reports whether v is one of 1, true, yes, y, on (any case).
func IsTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

// IsFalsy reports whether v is one of 0, false, no, n, off (any case).
func IsFalsy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "false", "no", "n", "off":
		return true
	default:
		return false
	}
}

// FirstNonEmpty returns the first value that is not blank, or "".
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
