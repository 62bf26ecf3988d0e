package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// prettyHandler renders one human-readable line per record:
//
//	15:04:05.000 [INFO] (bots) bots.cycle room_id=... outcome=published src=scheduler.go:120
//
// Attributes bound with WithAttrs are formatted once and reused. A "component"
// attribute is lifted into the (tag) slot instead of being printed as a pair.
type prettyHandler struct {
	w     io.Writer
	level slog.Leveler
	src   bool
	color bool

	component string
	prefix    string // group path for attrs added after WithGroup, e.g. "bot."
	bound     string // preformatted " k=v" pairs from WithAttrs

	mu *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{w: w, color: color, mu: &sync.Mutex{}, level: slog.LevelInfo}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.src = opts.AddSource
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString(paint(ts.Format("15:04:05.000"), ansiDim, h.color))
	b.WriteByte(' ')
	b.WriteString(levelTag(r.Level, h.color))

	component := h.component
	var pairs strings.Builder
	r.Attrs(func(a slog.Attr) bool {
		if h.prefix == "" && a.Key == "component" {
			component = a.Value.String()
			return true
		}
		h.writeAttr(&pairs, a, h.prefix)
		return true
	})

	if component != "" {
		b.WriteString(" (")
		b.WriteString(paint(component, ansiMagenta, h.color))
		b.WriteByte(')')
	}
	b.WriteByte(' ')
	b.WriteString(paint(r.Message, ansiBright, h.color))
	b.WriteString(h.bound)
	b.WriteString(pairs.String())

	if h.src && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			b.WriteString(" src=")
			b.WriteString(paint(filepath.Base(frame.File)+":"+strconv.Itoa(frame.Line), ansiDim, h.color))
		}
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	cp := *h
	var b strings.Builder
	b.WriteString(h.bound)
	for _, a := range attrs {
		if h.prefix == "" && a.Key == "component" {
			cp.component = a.Value.String()
			continue
		}
		h.writeAttr(&b, a, h.prefix)
	}
	cp.bound = b.String()
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	name = strings.TrimSpace(name)
	if name == "" {
		return h
	}
	cp := *h
	cp.prefix = h.prefix + name + "."
	return &cp
}

func (h *prettyHandler) writeAttr(b *strings.Builder, a slog.Attr, prefix string) {
	a.Value = a.Value.Resolve()
	key := strings.TrimSpace(a.Key)
	if key == "" && a.Value.Kind() != slog.KindGroup {
		return
	}

	if a.Value.Kind() == slog.KindGroup {
		// Inline groups (empty key) flatten into the parent.
		sub := prefix
		if key != "" {
			sub = prefix + key + "."
		}
		for _, ga := range a.Value.Group() {
			h.writeAttr(b, ga, sub)
		}
		return
	}

	label := key
	if alias, ok := prettyKeyAlias[key]; ok {
		label = alias
	}
	b.WriteByte(' ')
	b.WriteString(prefix + label)
	b.WriteByte('=')
	if format, ok := prettyFormatters[key]; ok {
		if s, ok := format(a.Value, h.color); ok {
			b.WriteString(s)
			return
		}
	}
	b.WriteString(quoteIfNeeded(valueToString(a.Value)))
}

var prettyKeyAlias = map[string]string{
	"status_class": "class",
	"duration_ms":  "duration",
}

type prettyFormatter func(v slog.Value, color bool) (string, bool)

func paintedString(code string) prettyFormatter {
	return func(v slog.Value, color bool) (string, bool) {
		return paint(quoteIfNeeded(strings.TrimSpace(valueToString(v))), code, color), true
	}
}

// prettyFormatters color the keys that show up in request, socket and bot logs.
var prettyFormatters = map[string]prettyFormatter{
	"method": func(v slog.Value, color bool) (string, bool) {
		return colorizeHTTPMethod(strings.ToUpper(strings.TrimSpace(v.String())), color), true
	},
	"status": func(v slog.Value, color bool) (string, bool) {
		n, ok := valueToInt64(v)
		return colorizeStatusCode(int(n), color), ok
	},
	"status_class": func(v slog.Value, color bool) (string, bool) {
		return colorizeStatusClass(strings.TrimSpace(v.String()), color), true
	},
	"duration_ms": func(v slog.Value, color bool) (string, bool) {
		n, ok := valueToInt64(v)
		return colorizeDurationMS(n, color), ok
	},
	"result": func(v slog.Value, color bool) (string, bool) {
		return colorizeResult(strings.ToLower(strings.TrimSpace(v.String())), color), true
	},
	"outcome": func(v slog.Value, color bool) (string, bool) {
		return colorizeResult(strings.ToLower(strings.TrimSpace(v.String())), color), true
	},
	"path":    paintedString(ansiCyan),
	"room_id": paintedString(ansiCyan),
	"conn_id": paintedString(ansiCyan),
	"err":     paintedString(ansiRed),
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func levelTag(level slog.Level, color bool) string {
	switch {
	case level >= slog.LevelError:
		return paint("[ERROR]", ansiRed, color)
	case level >= slog.LevelWarn:
		return paint("[WARN]", ansiYellow, color)
	case level < slog.LevelInfo:
		return paint("[DEBUG]", ansiMagenta, color)
	default:
		return paint("[INFO]", ansiBlue, color)
	}
}
