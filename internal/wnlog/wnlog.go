// Package wnlog sets up the process-wide structured logger. One JSON log
// line per event, daily-rotated by filename, following the
// {logs_dir}/whitenoise-YYYY-MM-DD.log layout from spec §6.
package wnlog

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu      sync.Mutex
	current *os.File
	logDir  string
	logDate string
)

// New opens (or reuses) today's log file under dir and returns a root
// logger. When debug is true, log lines are also mirrored to stderr via a
// human-readable console writer.
func New(dir string, debug bool) (zerolog.Logger, error) {
	mu.Lock()
	defer mu.Unlock()

	logDir = dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return zerolog.Logger{}, err
	}

	f, err := openForToday()
	if err != nil {
		return zerolog.Logger{}, err
	}
	current = f

	var w io.Writer = f
	if debug {
		w = zerolog.MultiLevelWriter(f, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(w).With().Timestamp().Logger().Level(level)
	return logger, nil
}

func openForToday() (*os.File, error) {
	logDate = time.Now().UTC().Format("2006-01-02")
	path := filepath.Join(logDir, "whitenoise-"+logDate+".log")
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

// Close releases the underlying log file handle.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return nil
	}
	err := current.Close()
	current = nil
	return err
}

// Component returns a child logger tagged with the given component name,
// mirroring the teacher's tracing targets (e.g. "whitenoise::process_events").
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
