// Package logger provides leveled, printf-style logging for all sumwire
// components, backed by zerolog. Components call the package-level functions
// directly; main configures level and format once at startup.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var log = zerolog.New(consoleWriter(os.Stdout)).With().Timestamp().Logger().Level(zerolog.InfoLevel)

func consoleWriter(out io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime}
}

// Configure sets the minimum level, output format and destination.
// Level is one of DEBUG, INFO, WARN, ERROR (case-insensitive); format is
// "text" (console) or "json"; output is "stdout" or "stderr".
func Configure(level, format, output string) {
	var out io.Writer = os.Stdout
	if strings.EqualFold(output, "stderr") {
		out = os.Stderr
	}

	if strings.EqualFold(format, "json") {
		log = zerolog.New(out).With().Timestamp().Logger()
	} else {
		log = zerolog.New(consoleWriter(out)).With().Timestamp().Logger()
	}

	SetLevel(level)
}

// SetLevel changes the minimum level without touching format or output.
// Unknown levels leave the current level in place.
func SetLevel(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		log = log.Level(zerolog.DebugLevel)
	case "INFO":
		log = log.Level(zerolog.InfoLevel)
	case "WARN":
		log = log.Level(zerolog.WarnLevel)
	case "ERROR":
		log = log.Level(zerolog.ErrorLevel)
	}
}

func Debug(format string, v ...any) {
	log.Debug().Msgf(format, v...)
}

func Info(format string, v ...any) {
	log.Info().Msgf(format, v...)
}

func Warn(format string, v ...any) {
	log.Warn().Msgf(format, v...)
}

func Error(format string, v ...any) {
	log.Error().Msgf(format, v...)
}
