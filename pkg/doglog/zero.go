package doglog

import (
	"io"
	"os"
	"reflect"
	"time"

	"github.com/rs/zerolog"
)

// Zero is the process-wide logger. Reconfigured once at startup.
var Zero = NewZeroLogger("", "info", false)

// NewZeroLogger returns a logger writing to filepath (stdout when empty).
// Pretty enables the human-readable console writer.
func NewZeroLogger(filepath string, logLevel string, pretty bool) *zerolog.Logger {
	out := writerFor(filepath)
	if pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(out).With().Timestamp().Logger().Level(parseLevel(logLevel))
	return &logger
}

func ReloadLogger(filepath string, logLevel string, pretty bool) {
	Zero = NewZeroLogger(filepath, logLevel, pretty)
}

func UpdateZeroLogLevel(logLevel string) error {
	zeroLogger := Zero.Level(parseLevel(logLevel))
	Zero = &zeroLogger
	return nil
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func writerFor(filepath string) io.Writer {
	if filepath == "" {
		return os.Stdout
	}
	f, err := os.OpenFile(filepath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return os.Stdout
	}
	return f
}

// GetPointer does the same thing as fmt.Sprintf("%p", v) but fast.
func GetPointer(value any) uint {
	ptr := reflect.ValueOf(value).Pointer()
	return uint(uintptr(ptr))
}
