package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Stderr formats.
const (
	FormatAuto = "auto"
	FormatJSON = "json"
	FormatText = "text"
)

// Config contains logging configuration.
type Config struct {
	// Level is the minimum level: debug, info, warn or error.
	Level string
	// FilePath is the rotated JSON log. Empty means stderr only.
	FilePath  string
	MaxSizeMB int
	MaxFiles  int
	// WriteToStderr mirrors records to stderr.
	WriteToStderr bool
	// StderrFormat is FormatAuto (text on a terminal, JSON otherwise),
	// FormatJSON or FormatText.
	StderrFormat string
	// Stderr overrides the stderr destination, for tests.
	Stderr io.Writer
}

// DefaultConfig returns the daemon's logging defaults.
func DefaultConfig() Config {
	return Config{
		Level:         "info",
		FilePath:      DefaultLogPath(),
		MaxSizeMB:     10,
		MaxFiles:      5,
		WriteToStderr: true,
		StderrFormat:  FormatAuto,
	}
}

// DebugConfig returns the --debug settings.
func DebugConfig() Config {
	cfg := DefaultConfig()
	cfg.Level = "debug"
	return cfg
}

// StderrConfig logs to stderr only.
func StderrConfig(level string) Config {
	return Config{Level: level, WriteToStderr: true, StderrFormat: FormatAuto}
}

// Setup builds a logger from cfg. The returned cleanup flushes and closes
// the log file.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	opts := &slog.HandlerOptions{Level: LevelFromString(cfg.Level)}

	var (
		handlers []slog.Handler
		rw       *RotatingWriter
	)
	if cfg.FilePath != "" {
		var err error
		rw, err = NewRotatingWriter(cfg.FilePath, positive(cfg.MaxSizeMB, 10), positive(cfg.MaxFiles, 5))
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, slog.NewJSONHandler(rw, opts))
	}
	if cfg.WriteToStderr || rw == nil {
		w := cfg.Stderr
		if w == nil {
			w = os.Stderr
		}
		if useText(cfg.StderrFormat, w) {
			handlers = append(handlers, slog.NewTextHandler(w, opts))
		} else {
			handlers = append(handlers, slog.NewJSONHandler(w, opts))
		}
	}

	var h slog.Handler = fanout(handlers)
	if len(handlers) == 1 {
		h = handlers[0]
	}
	cleanup := func() {
		if rw != nil {
			_ = rw.Sync()
			_ = rw.Close()
		}
	}
	return slog.New(h), cleanup, nil
}

// SetupDefault runs Setup and installs the logger as the slog default.
func SetupDefault(cfg Config) (func(), error) {
	logger, cleanup, err := Setup(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return cleanup, nil
}

// LevelFromString converts a level name to slog.Level. "warning" is accepted
// for warn; unknown names map to info.
func LevelFromString(level string) slog.Level {
	name := strings.ToLower(strings.TrimSpace(level))
	if name == "warning" {
		name = "warn"
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func useText(format string, w io.Writer) bool {
	switch format {
	case FormatText:
		return true
	case FormatJSON:
		return false
	}
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

func positive(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// fanout hands every record to each handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
