package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Setup configures the process logger.
//   - level: trace, debug, info, warn, error, fatal or panic; unknown values mean info
//   - format: "json" for log shipping, anything else prints human-readable lines
//
// Caller information is only attached at debug level and below.
func Setup(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return New(os.Stdout, format, lvl)
}

// New builds a logger writing to w without touching global state.
func New(w io.Writer, format string, lvl zerolog.Level) zerolog.Logger {
	if format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	ctx := zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "exstem-proctor")
	if lvl <= zerolog.DebugLevel {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

// ForSession derives a logger tagged with the proctor session identity.
func ForSession(log zerolog.Logger, sessionID, candidateID, assessmentID string) zerolog.Logger {
	return log.With().
		Str("session_id", sessionID).
		Str("candidate_id", candidateID).
		Str("assessment_id", assessmentID).
		Logger()
}
