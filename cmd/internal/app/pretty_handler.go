package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset   = "\x1b[0m"
	ansiDim     = "\x1b[2m"
	ansiBright  = "\x1b[1m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

// correlationKeys are moved to the front of every pretty line, in this order.
var correlationKeys = []string{"conversation_id", "connection_id", "user_id"}

// prettyHandler writes one line per record for local development:
//
//	12:04:05.120 INFO  ws.connected connection_id=01J.. user_id=amy remote=127.0.0.1 @ws_gateway.go:212
//
// Groups are flattened to dotted keys when attributes are added, so Handle only
// has to order and paint fields.
type prettyHandler struct {
	w      io.Writer
	mu     *sync.Mutex
	level  slog.Leveler
	source bool
	color  bool

	prefix string
	fields []prettyField
}

type prettyField struct {
	key string
	val slog.Value
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{w: w, mu: &sync.Mutex{}, level: slog.LevelInfo, color: color}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.source = opts.AddSource
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.fields = flattenAttrs(slices.Clone(h.fields), h.prefix, attrs)
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	cp := *h
	cp.prefix = h.prefix + name + "."
	return &cp
}

func flattenAttrs(dst []prettyField, prefix string, attrs []slog.Attr) []prettyField {
	for _, a := range attrs {
		v := a.Value.Resolve()
		switch {
		case v.Kind() == slog.KindGroup:
			p := prefix
			if a.Key != "" {
				p += a.Key + "."
			}
			dst = flattenAttrs(dst, p, v.Group())
		case a.Key != "":
			dst = append(dst, prettyField{key: prefix + a.Key, val: v})
		}
	}
	return dst
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make([]slog.Attr, 0, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})
	fields := flattenAttrs(slices.Clone(h.fields), h.prefix, attrs)

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	b := make([]byte, 0, 256)
	b = h.paint(b, ansiDim, ts.Format("15:04:05.000"))
	b = append(b, ' ')
	b = h.appendLevel(b, r.Level)
	b = append(b, ' ')
	b = h.paint(b, ansiBright, r.Message)

	for _, key := range correlationKeys {
		i := slices.IndexFunc(fields, func(f prettyField) bool { return f.key == key })
		if i < 0 {
			continue
		}
		b = h.appendField(b, fields[i])
		fields = slices.Delete(fields, i, i+1)
	}
	for _, f := range fields {
		b = h.appendField(b, f)
	}

	if h.source && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			b = append(b, ' ')
			b = h.paint(b, ansiDim, "@"+filepath.Base(frame.File)+":"+strconv.Itoa(frame.Line))
		}
	}
	b = append(b, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(b)
	return err
}

func (h *prettyHandler) appendField(b []byte, f prettyField) []byte {
	text := f.val.String()
	if f.val.Kind() == slog.KindTime {
		text = f.val.Time().Format(time.RFC3339)
	}
	if text == "" || strings.ContainsAny(text, " \t\r\n\"=") {
		text = strconv.Quote(text)
	}

	b = append(b, ' ')
	b = append(b, f.key...)
	b = append(b, '=')
	return h.paint(b, fieldColor(f), text)
}

func (h *prettyHandler) appendLevel(b []byte, level slog.Level) []byte {
	switch {
	case level >= slog.LevelError:
		return h.paint(b, ansiRed, "ERROR")
	case level >= slog.LevelWarn:
		return h.paint(b, ansiYellow, "WARN ")
	case level < slog.LevelInfo:
		return h.paint(b, ansiMagenta, "DEBUG")
	default:
		return h.paint(b, ansiBlue, "INFO ")
	}
}

// paint appends s, wrapped in code when colors are on.
func (h *prettyHandler) paint(b []byte, code, s string) []byte {
	if !h.color || code == "" {
		return append(b, s...)
	}
	b = append(b, code...)
	b = append(b, s...)
	return append(b, ansiReset...)
}

func fieldColor(f prettyField) string {
	switch f.key {
	case "err":
		return ansiRed
	case "path", "conversation_id", "connection_id":
		return ansiCyan
	case "status":
		if f.val.Kind() != slog.KindInt64 {
			return ""
		}
		switch s := f.val.Int64(); {
		case s >= 500:
			return ansiRed
		case s >= 400:
			return ansiYellow
		default:
			return ansiGreen
		}
	}
	return ""
}
