// Package logging builds the process logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"

	"github.com/dbcflow/dbcflow/pkg/errors"
)

// Config selects level, format and an optional log file.
type Config struct {
	Level  string
	Format string // text | json
	File   string

	// Verbose forces debug level.
	Verbose bool
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New(errors.CodeConfigInvalid, "unknown log level").WithContext("level", s)
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// New returns a logger writing to w and, when cfg.File is set, to that file
// as well. The returned closer releases the file.
func New(cfg Config, w io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	primary, err := handler(cfg.Format, w, opts)
	if err != nil {
		return nil, nil, err
	}

	if cfg.File == "" {
		return slog.New(primary), closerFunc(func() error { return nil }), nil
	}

	if dir := filepath.Dir(cfg.File); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, errors.Wrap(err, errors.CodeConfigInvalid, "create log directory").WithContext("path", cfg.File)
		}
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.CodeConfigInvalid, "open log file").WithContext("path", cfg.File)
	}

	// The file always gets JSON so it can be parsed after the fact.
	logger := slog.New(slogmulti.Fanout(
		primary,
		slog.NewJSONHandler(f, opts),
	))
	return logger, f, nil
}

func handler(format string, w io.Writer, opts *slog.HandlerOptions) (slog.Handler, error) {
	switch strings.ToLower(format) {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, errors.New(errors.CodeConfigInvalid, "unknown log format").WithContext("format", format)
	}
}
