// Package logging builds the slog loggers used by the daemon and the CLI.
//
// Output goes to stdout (console or JSON) and, when a log file is configured,
// to a size-rotated file. When the process runs under the OS service manager,
// warnings and errors are additionally forwarded to the system log.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cleverdata/cmsync/internal/config"
)

// Options describes logger construction parameters.
type Options struct {
	Level    string
	Format   string // console, json or empty for auto
	FilePath string
	MaxBytes int64
	Backups  int
	// Stdout overrides the terminal writer. Tests use it.
	Stdout io.Writer
	// System receives warnings and errors when set.
	System SystemLogger
}

// SystemLogger is the subset of service.Logger the daemon forwards to.
type SystemLogger interface {
	Error(v ...interface{}) error
	Warning(v ...interface{}) error
	Info(v ...interface{}) error
}

// Logger owns the handlers and any open log file.
type Logger struct {
	*slog.Logger
	closers []io.Closer
}

// Close flushes and closes the rotating file, if any.
func (l *Logger) Close() error {
	var firstErr error
	for _, c := range l.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// New constructs a logger from opts.
func New(opts Options) (*Logger, error) {
	level := parseLevel(opts.Level)
	levelVar := new(slog.LevelVar)
	levelVar.Set(level)
	addSource := level <= slog.LevelDebug

	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format == "" {
		format = "json"
		if f, ok := stdout.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			format = "console"
		}
	}

	out := &Logger{}
	var handlers []slog.Handler

	h, err := newHandler(format, stdout, levelVar, addSource)
	if err != nil {
		return nil, err
	}
	handlers = append(handlers, h)

	if path := strings.TrimSpace(opts.FilePath); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ensure log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    megabytes(opts.MaxBytes),
			MaxBackups: opts.Backups,
		}
		out.closers = append(out.closers, rotator)
		// Files are always JSON so they stay machine-readable.
		fh, err := newHandler("json", rotator, levelVar, addSource)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, fh)
	}

	if opts.System != nil {
		handlers = append(handlers, newSystemHandler(opts.System, slog.LevelWarn))
	}

	out.Logger = slog.New(newFanoutHandler(handlers...))
	return out, nil
}

// NewFromConfig creates a logger from the logging section of config.json.
func NewFromConfig(cfg config.LoggingConfig, system SystemLogger) (*Logger, error) {
	return New(Options{
		Level:    cfg.LogLevel,
		Format:   cfg.LogFormat,
		FilePath: cfg.LogFilePath,
		MaxBytes: cfg.LogRotationMaxBytes,
		Backups:  cfg.LogRotationBackupCount,
		System:   system,
	})
}

func newHandler(format string, w io.Writer, lvl *slog.LevelVar, addSource bool) (slog.Handler, error) {
	switch format {
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     lvl,
			AddSource: addSource,
			ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
				switch attr.Key {
				case slog.TimeKey:
					attr.Key = "ts"
					if attr.Value.Kind() == slog.KindTime {
						attr.Value = slog.StringValue(attr.Value.Time().UTC().Format(time.RFC3339))
					}
				case slog.LevelKey:
					attr.Value = slog.StringValue(strings.ToLower(attr.Value.String()))
				case slog.SourceKey:
					if src, ok := attr.Value.Any().(*slog.Source); ok && src != nil {
						attr.Value = slog.StringValue(fmt.Sprintf("%s:%d", filepath.Base(src.File), src.Line))
					}
				}
				return attr
			},
		}), nil
	case "console":
		return newConsoleHandler(w, lvl, addSource), nil
	default:
		return nil, fmt.Errorf("log format: unsupported value %q", format)
	}
}

// megabytes converts the byte limit from config.json into lumberjack's
// megabyte granularity, rounding up.
func megabytes(n int64) int {
	const mb = 1 << 20
	if n <= 0 {
		return 0
	}
	m := int((n + mb - 1) / mb)
	if m < 1 {
		m = 1
	}
	return m
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "critical":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NoopHandler discards all log output.
type NoopHandler struct{}

func (NoopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (NoopHandler) Handle(context.Context, slog.Record) error { return nil }
func (NoopHandler) WithAttrs([]slog.Attr) slog.Handler        { return NoopHandler{} }
func (NoopHandler) WithGroup(string) slog.Handler             { return NoopHandler{} }
