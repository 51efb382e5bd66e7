// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// Config selects level, format and an optional log file.
type Config struct {
	Level  string
	Format string // text | json
	Output string // file path; empty means stderr only
	Quiet  bool   // suppress stderr

	// Stderr overrides os.Stderr; used by tests.
	Stderr io.Writer
}

// ParseLevel maps debug|info|warn|error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// New returns a logger fanning out to stderr and the configured file. The
// returned close function releases the file.
func New(cfg Config) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handlers []slog.Handler
	if !cfg.Quiet {
		w := cfg.Stderr
		if w == nil {
			w = os.Stderr
		}
		handlers = append(handlers, newHandler(w, cfg.Format, opts))
	}

	closeFn := func() error { return nil }
	if cfg.Output != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Output), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		handlers = append(handlers, newHandler(f, cfg.Format, opts))
		closeFn = f.Close
	}

	return slog.New(slogmulti.Fanout(handlers...)), closeFn, nil
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
