package swap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

type LogLevel int

const (
	LogLevelNone LogLevel = iota
	LogLevelError
	LogLevelWarning
	LogLevelInfo
	LogLevelDebug
)

// TagHandler is a custom slog.Handler writing compact prefixed lines,
// tagged per subsystem ("service", "session old", ...)
type TagHandler struct {
	w     io.Writer
	level LogLevel
	attrs []slog.Attr
	mu    sync.Mutex
	tag   string
}

// NewTagHandler creates a new handler with the specified log level and tag
func NewTagHandler(w io.Writer, level LogLevel, tag string) *TagHandler {
	return &TagHandler{
		w:     w,
		level: level,
		tag:   tag,
	}
}

// Enabled reports whether the handler handles records at the given level
func (h *TagHandler) Enabled(_ context.Context, level slog.Level) bool {
	switch level {
	case slog.LevelDebug:
		return h.level >= LogLevelDebug
	case slog.LevelInfo:
		return h.level >= LogLevelInfo
	case slog.LevelWarn:
		return h.level >= LogLevelWarning
	case slog.LevelError:
		return h.level >= LogLevelError
	default:
		return false
	}
}

// Handle formats and writes a log record
func (h *TagHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var prefix string
	switch r.Level {
	case slog.LevelDebug:
		prefix = "DEBUG"
	case slog.LevelInfo:
		prefix = ""
	case slog.LevelWarn:
		prefix = "WARN"
	case slog.LevelError:
		prefix = "ERROR"
	}

	buf := make([]byte, 0, 256)

	buf = fmt.Appendf(buf, "%s: ", h.tag)
	if prefix != "" {
		buf = fmt.Appendf(buf, "%s: ", prefix)
	}

	buf = append(buf, r.Message...)

	if r.NumAttrs() > 0 || len(h.attrs) > 0 {
		if len(buf) > 0 && buf[len(buf)-1] != ':' {
			buf = append(buf, ':')
		}

		first := true
		appendAttr := func(a slog.Attr) bool {
			if !first {
				buf = append(buf, ',')
			}
			buf = append(buf, ' ')
			buf = append(buf, a.Key...)
			buf = append(buf, '=')
			buf = append(buf, a.Value.String()...)
			first = false
			return true
		}
		for _, a := range h.attrs {
			appendAttr(a)
		}
		r.Attrs(appendAttr)
	}

	buf = append(buf, '\n')
	_, err := h.w.Write(buf)
	return err
}

// WithAttrs returns a new handler with the given attributes added
func (h *TagHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)

	return &TagHandler{
		w:     h.w,
		level: h.level,
		attrs: newAttrs,
		tag:   h.tag,
	}
}

// WithGroup returns a new handler with the given group added. Groups are not
// rendered by this handler; attributes keep their plain keys.
func (h *TagHandler) WithGroup(name string) slog.Handler {
	return h
}
