package logbuf

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/livepush/agent/internal/protocol"
)

// Handler is an slog.Handler that tees records into a Sink as
// protocol.LogEvent values while passing them on to next.
type Handler struct {
	next   slog.Handler
	sink   *Sink
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string
}

// NewHandler forwards records at or above level to sink. next may be nil.
func NewHandler(next slog.Handler, sink *Sink, level slog.Leveler) *Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{next: next, sink: sink, level: level}
}

func (h *Handler) forwards(l slog.Level) bool {
	return h.sink != nil && l >= h.level.Level()
}

func (h *Handler) Enabled(ctx context.Context, l slog.Level) bool {
	if h.forwards(l) {
		return true
	}
	return h.next != nil && h.next.Enabled(ctx, l)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if h.forwards(r.Level) {
		h.sink.Record(h.event(r))
	}
	if h.next != nil && h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone()
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		c.attrs = append(c.attrs, a)
	}
	if h.next != nil {
		c.next = h.next.WithAttrs(attrs)
	}
	return c
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	c.prefix = h.prefix + name + "."
	if h.next != nil {
		c.next = h.next.WithGroup(name)
	}
	return c
}

func (h *Handler) clone() *Handler {
	c := *h
	c.attrs = append([]slog.Attr(nil), h.attrs...)
	return &c
}

func (h *Handler) event(r slog.Record) protocol.LogEvent {
	ev := protocol.LogEvent{
		Level:   strings.ToLower(r.Level.String()),
		Message: r.Message,
		Time:    r.Time,
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	n := len(h.attrs) + r.NumAttrs()
	if n == 0 {
		return ev
	}
	ev.Attrs = make(map[string]any, n)
	for _, a := range h.attrs {
		putAttr(ev.Attrs, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		putAttr(ev.Attrs, h.prefix, a)
		return true
	})
	return ev
}

func putAttr(m map[string]any, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		for _, ga := range v.Group() {
			putAttr(m, prefix+a.Key+".", ga)
		}
		return
	}
	switch x := v.Any().(type) {
	case error:
		m[prefix+a.Key] = x.Error()
	case time.Duration:
		m[prefix+a.Key] = x.String()
	default:
		m[prefix+a.Key] = x
	}
}
