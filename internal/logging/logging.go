package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// ParseLevel maps LOG_LEVEL spellings onto slog levels. The terminal UI owns
// stderr in normal use, so anything unrecognised means errors only.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dev", "development", "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// Init installs the default logger. With logFile set, records go to that
// file as JSON so debug output does not tear up the room view; otherwise
// they go to stderr as text. The returned func closes the file, if any.
func Init(logFile string) (func() error, error) {
	opts := &slog.HandlerOptions{Level: ParseLevel(os.Getenv("LOG_LEVEL"))}

	if logFile == "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
		return func() error { return nil }, nil
	}

	logFile, err := homedir.Expand(logFile)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(f, opts)))
	return f.Close, nil
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDefault returns l, or the process default logger when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
