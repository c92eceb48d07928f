// Package logging builds the crawler's structured logger, with verbosity
// driven by the DEBUG environment variable per spec.md §6.
package logging

import (
	"log/slog"
	"os"
)

// New builds a text-handler slog.Logger writing to stdout, at a level
// derived from the DEBUG env var: 1=debug, 2=info, 3=warning, 4=error,
// unset or out of range defaults to info.
func New() *slog.Logger {
	opts := &slog.HandlerOptions{Level: levelFromEnv()}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// DebugEnabled reports whether DEBUG is set to its finest verbosity (1),
// the signal ScriptHost uses to expose a DEBUG global to Lua scripts.
func DebugEnabled() bool {
	return os.Getenv("DEBUG") == "1"
}

func levelFromEnv() slog.Level {
	switch os.Getenv("DEBUG") {
	case "1":
		return slog.LevelDebug
	case "2":
		return slog.LevelInfo
	case "3":
		return slog.LevelWarn
	case "4":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
