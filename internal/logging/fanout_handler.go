package logging

import (
	"context"
	"log/slog"
	"strings"
)

type fanoutHandler struct {
	handlers []slog.Handler
}

func newFanoutHandler(handlers ...slog.Handler) slog.Handler {
	var filtered []slog.Handler
	for _, h := range handlers {
		if h != nil {
			filtered = append(filtered, h)
		}
	}
	switch len(filtered) {
	case 0:
		return NoopHandler{}
	case 1:
		return filtered[0]
	}
	return &fanoutHandler{handlers: filtered}
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for idx, handler := range h.handlers {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		rec := record
		if idx < len(h.handlers)-1 {
			rec = record.Clone()
		}
		if err := handler.Handle(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: next}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithGroup(name)
	}
	return &fanoutHandler{handlers: next}
}

// systemHandler forwards records at or above min to the service manager's
// logger (Windows event log, syslog or journald).
type systemHandler struct {
	sys   SystemLogger
	min   slog.Level
	attrs []slog.Attr
}

func newSystemHandler(sys SystemLogger, min slog.Level) slog.Handler {
	return &systemHandler{sys: sys, min: min}
}

func (h *systemHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min
}

func (h *systemHandler) Handle(_ context.Context, record slog.Record) error {
	var b strings.Builder
	b.WriteString(record.Message)
	var pairs [][2]string
	for _, a := range h.attrs {
		flatten(&pairs, nil, a)
	}
	record.Attrs(func(a slog.Attr) bool {
		flatten(&pairs, nil, a)
		return true
	})
	for _, p := range pairs {
		b.WriteByte(' ')
		b.WriteString(p[0])
		b.WriteByte('=')
		b.WriteString(quoteIfNeeded(p[1]))
	}
	switch {
	case record.Level >= slog.LevelError:
		return h.sys.Error(b.String())
	case record.Level >= slog.LevelWarn:
		return h.sys.Warning(b.String())
	default:
		return h.sys.Info(b.String())
	}
}

func (h *systemHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &clone
}

// Groups are flattened away; the system log only needs the message.
func (h *systemHandler) WithGroup(string) slog.Handler { return h }
