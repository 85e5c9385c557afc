// Package constants is responsible for defining the constants used in the application.
package constants

import (
	"log/slog"
	"time"
)

var (
	// Version is the version of the application.
	Version = "Dev"
)

const (
	// IntakeServiceCmdName is the name of the intake service command.
	IntakeServiceCmdName = "surveyor-intake"

	// DefaultLogLevel is the default log level selected without any verbosity flags.
	DefaultLogLevel = slog.LevelWarn
)

// Rate limiting defaults.
const (
	// DefaultMaxPerWindow is the number of submissions a single client may make within one window.
	DefaultMaxPerWindow = 5

	// DefaultWindow is the duration of a rate limiting window.
	DefaultWindow = time.Hour

	// UnknownClientKey is the bucket shared by every request without a usable client identifier.
	UnknownClientKey = "unknown"
)

// DefaultClientHeaders are the forwarded-address headers consulted, in order, to identify a client.
var DefaultClientHeaders = []string{"X-Forwarded-For", "X-Real-IP"}
