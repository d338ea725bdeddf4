package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger defines a standard interface for logging.
type Logger interface {
	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	Named(component string) Logger
}

// zlogger wraps a zerolog.Logger behind the Logger interface.
type zlogger struct {
	l zerolog.Logger
}

// New creates a new logger instance writing JSON to stdout at the given level.
func New(level string) Logger {
	return NewWithOutput(level, os.Stdout)
}

// NewWithOutput creates a logger writing to the given writer. Unknown level
// strings fall back to info.
func NewWithOutput(level string, out io.Writer) Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339

	l := zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	return &zlogger{l: l}
}

// Nop returns a logger that discards everything. Useful in tests.
func Nop() Logger {
	return &zlogger{l: zerolog.Nop()}
}

// Named returns a child logger annotated with the given component name.
func (z *zlogger) Named(component string) Logger {
	return &zlogger{l: z.l.With().Str("component", component).Logger()}
}

func (z *zlogger) Debugf(format string, v ...interface{}) {
	z.l.Debug().Msg(fmt.Sprintf(format, v...))
}

func (z *zlogger) Infof(format string, v ...interface{}) {
	z.l.Info().Msg(fmt.Sprintf(format, v...))
}

func (z *zlogger) Warnf(format string, v ...interface{}) {
	z.l.Warn().Msg(fmt.Sprintf(format, v...))
}

func (z *zlogger) Errorf(format string, v ...interface{}) {
	z.l.Error().Msg(fmt.Sprintf(format, v...))
}
