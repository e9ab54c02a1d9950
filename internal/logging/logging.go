package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultMaxSizeMB  = 50
	defaultMaxBackups = 5
	defaultMaxAgeDays = 14
)

type Options struct {
	Debug  bool
	Format string // "text" or "json"
	File   string // rotated log file; stderr only when empty

	// Output defaults to os.Stderr.
	Output io.Writer
}

// New builds a logger from opts and installs it as the slog default.
// The returned func closes the log file, if any.
func New(opts Options) (*slog.Logger, func() error, error) {
	writer, closer, err := buildWriter(opts)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(buildHandler(opts, writer))
	slog.SetDefault(logger)
	return logger, closer, nil
}

func buildHandler(opts Options, w io.Writer) slog.Handler {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	ho := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(strings.TrimSpace(opts.Format), "json") {
		return slog.NewJSONHandler(w, ho)
	}
	return slog.NewTextHandler(w, ho)
}

func buildWriter(opts Options) (io.Writer, func() error, error) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.File == "" {
		return out, func() error { return nil }, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
		return nil, nil, err
	}
	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    defaultMaxSizeMB,
		MaxBackups: defaultMaxBackups,
		MaxAge:     defaultMaxAgeDays,
		Compress:   true,
	}
	return io.MultiWriter(out, rotator), rotator.Close, nil
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
