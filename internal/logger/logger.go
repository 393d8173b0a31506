package logger

import (
	"io"

	"github.com/rs/zerolog"
)

// New builds the process logger. format is "json" or "text"; an unknown
// level falls back to info.
func New(level, format string, w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	if format == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = w
		return zerolog.New(cw).Level(lvl).With().Timestamp().Logger()
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
