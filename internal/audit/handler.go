package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// Handler is a slog.Handler that writes through a Logger under one logger
// name, so Go callers can use the standard slog API:
//
//	sec := slog.New(audit.NewHandler(logger, "security"))
//	sec.Warn("bad password", "user", "pilot_737", "ip", ip)
//
// Attributes become record fields; groups are flattened with '.'.
type Handler struct {
	l      *Logger
	name   string
	attrs  []slog.Attr
	groups []string
}

// NewHandler returns a handler logging under name.
func NewHandler(l *Logger, name string) *Handler {
	return &Handler{l: l, name: name}
}

// Enabled reports whether the target sink or the catch-all would accept
// the level.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	lvl := levelFromSlog(level)
	ch, _ := h.l.resolver.Resolve(h.name)
	return h.l.router.Accepts(string(ch), lvl) || (lvl >= LevelError && h.l.router.Accepts(RootChain, lvl))
}

// Handle implements slog.Handler.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	fields := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		addAttr(fields, "", a)
	}
	prefix := strings.Join(h.groups, ".")
	r.Attrs(func(a slog.Attr) bool {
		addAttr(fields, prefix, a)
		return true
	})

	_, err := h.l.Emit(Event{
		Channel: h.name,
		Level:   levelFromSlog(r.Level),
		Message: r.Message,
		Fields:  fields,
		Time:    r.Time,
	})
	if errors.Is(err, ErrFiltered) {
		return nil
	}
	return err
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := h.clone()
	prefix := strings.Join(h.groups, ".")
	for _, a := range attrs {
		if prefix != "" {
			a.Key = prefix + "." + a.Key
		}
		h2.attrs = append(h2.attrs, a)
	}
	return h2
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := h.clone()
	h2.groups = append(h2.groups, name)
	return h2
}

func (h *Handler) clone() *Handler {
	return &Handler{
		l:      h.l,
		name:   h.name,
		attrs:  append([]slog.Attr(nil), h.attrs...),
		groups: append([]string(nil), h.groups...),
	}
}

func addAttr(fields map[string]any, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if prefix != "" && key != "" {
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		if a.Key == "" {
			key = prefix
		}
		for _, ga := range a.Value.Group() {
			addAttr(fields, key, ga)
		}
		return
	}
	fields[key] = attrValue(a.Value)
}

func attrValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().UTC().Format(TimeFormat)
	default:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return v.String()
	}
}
