package logger

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "01/02 03:04 PM"

// New builds the process logger. Console output goes to stderr in a human
// readable form; when extra writers are given (the --logfile), they receive
// the same events as JSON lines.
func New(level string, extra ...io.Writer) (zerolog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	zerolog.DurationFieldUnit = time.Second
	zerolog.DurationFieldInteger = true

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: consoleTimeFormat}
	writers := []io.Writer{console}
	writers = append(writers, extra...)

	var out io.Writer = console
	if len(writers) > 1 {
		out = zerolog.MultiLevelWriter(writers...)
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

// ParseLevel accepts the level names of the command line (DEBUG, INFO, WARN,
// ERROR) in any case. Empty input means INFO.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("logger: %w", err)
	}
	return lvl, nil
}

// OrNop replaces a zero-value logger with a disabled one.
func OrNop(l zerolog.Logger) zerolog.Logger {
	if reflect.ValueOf(l).IsZero() {
		return zerolog.Nop()
	}
	return l
}
