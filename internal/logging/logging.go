// Package logging wraps rs/zerolog into the single global logger every
// other package calls through, for structured, leveled logging.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu      sync.RWMutex
	current = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().
		Level(zerolog.InfoLevel)
)

// Configure replaces the global logger. level is one of zerolog's level
// strings ("debug", "info", "warn", "error"); json selects structured JSON
// output over the human-readable console writer (operators want JSON in
// production, console output locally).
func Configure(level string, json bool, out io.Writer) {
	if out == nil {
		out = os.Stderr
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var w io.Writer = out
	if !json {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	l := zerolog.New(w).With().Timestamp().Logger().Level(lvl)

	mu.Lock()
	current = l
	mu.Unlock()
}

// L returns the current global logger. Safe for concurrent use; Configure
// may be called once at startup (from a loaded config) after packages have
// already taken references, so this always re-reads the shared value rather
// than caching it.
func L() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := current
	return &l
}
