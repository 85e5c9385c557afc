package cli

import (
	"io"
	"log/slog"
	"os"

	"github.com/surveyor/intake/internal/common/constants"
)

// Verbosity returns the log level selected by count occurrences of the verbose flag.
func Verbosity(count int) slog.Level {
	switch {
	case count <= 0:
		return constants.DefaultLogLevel
	case count == 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// SetVerbosity sets the level of the default text logger, like slog.SetLogLoggerLevel.
func SetVerbosity(count int) {
	slog.SetLogLoggerLevel(Verbosity(count))
}

// SetSlog configures the default logger. JSON records are written to stderr and tagged with the
// service name and version.
func SetSlog(count int, jsonLogs bool) {
	setSlog(os.Stderr, count, jsonLogs)
}

func setSlog(w io.Writer, count int, jsonLogs bool) {
	if !jsonLogs {
		SetVerbosity(count)
		return
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: Verbosity(count)})
	slog.SetDefault(slog.New(h).With(
		slog.String("service", constants.IntakeServiceCmdName),
		slog.String("version", constants.Version),
	))
}
