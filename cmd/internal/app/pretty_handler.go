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

	"github.com/oklog/ulid/v2"
)

// consoleHandler renders Parla events for a developer terminal:
//
//	12:04:05.120 WARN  hub        deliver.drop        chat=…4Q7ZC2KD conn=…9XMN0A1B type=typing
//
// The event name is split into its component (hub, ws, processor, ...) and
// the rest. Entity ids lead the attrs, the HTTP request fields follow, and
// err always comes last.
type consoleHandler struct {
	w      io.Writer
	level  slog.Leveler
	source bool
	color  bool
	attrs  []field
	groups []string
	mu     *sync.Mutex
}

type field struct {
	key string
	val slog.Value
}

// entityKeys are rendered first, in this order, under their short names.
var entityKeys = []struct{ key, short string }{
	{"chat_id", "chat"},
	{"message_id", "msg"},
	{"conn_id", "conn"},
	{"user_id", "user"},
	{"sender_id", "from"},
	{"receiver_id", "to"},
	{"session_id", "session"},
	{"instance_id", "instance"},
}

var requestKeys = []string{"method", "path", "status", "status_class", "duration_ms"}

var componentColors = map[string]string{
	"ws":            ansiCyan,
	"hub":           ansiBlue,
	"backplane":     ansiBlue,
	"processor":     ansiGreen,
	"translate":     ansiMagenta,
	"api":           ansiYellow,
	"http":          ansiYellow,
	"db":            ansiDim,
	"store":         ansiDim,
	"server":        ansiBright,
	"clientsession": ansiCyan,
}

const componentWidth = 10

func newConsoleHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &consoleHandler{w: w, level: slog.LevelInfo, color: color, mu: &sync.Mutex{}}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.source = opts.AddSource
	}
	return h
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append([]field(nil), h.attrs...)
	for _, a := range attrs {
		cp.attrs = flatten(cp.attrs, a, strings.Join(h.groups, "."))
	}
	return &cp
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string(nil), h.groups...), name)
	return &cp
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	fields := append([]field(nil), h.attrs...)
	prefix := strings.Join(h.groups, ".")
	r.Attrs(func(a slog.Attr) bool {
		fields = flatten(fields, a, prefix)
		return true
	})

	var b strings.Builder
	b.WriteString(paint(ts.Format("15:04:05.000"), ansiDim, h.color))
	b.WriteByte(' ')
	b.WriteString(levelLabel(r.Level, h.color))
	b.WriteByte(' ')
	component, event := splitEvent(r.Message)
	b.WriteString(paint(pad(component, componentWidth), componentColors[component], h.color))
	b.WriteByte(' ')
	b.WriteString(paint(event, ansiBright, h.color))

	h.writeFields(&b, fields)

	if h.source && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			b.WriteString(paint(fmt.Sprintf(" (%s:%d)", filepath.Base(frame.File), frame.Line), ansiDim, h.color))
		}
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *consoleHandler) writeFields(b *strings.Builder, fields []field) {
	used := make([]bool, len(fields))
	take := func(key string) (slog.Value, bool) {
		for i, f := range fields {
			if !used[i] && f.key == key {
				used[i] = true
				return f.val, true
			}
		}
		return slog.Value{}, false
	}
	put := func(key, val string) {
		b.WriteByte(' ')
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(val)
	}

	for _, k := range entityKeys {
		if v, ok := take(k.key); ok {
			put(k.short, shortID(v.String()))
		}
	}

	for _, k := range requestKeys {
		v, ok := take(k)
		if !ok {
			continue
		}
		switch k {
		case "method":
			put(k, strings.ToUpper(v.String()))
		case "status":
			if n, ok := asInt(v); ok {
				put(k, paint(strconv.FormatInt(n, 10), statusColor(n), h.color))
				continue
			}
			put(k, quote(render(v)))
		case "status_class":
			class := v.String()
			var n int64
			if class != "" {
				n = int64(class[0]-'0') * 100
			}
			put("class", paint(class, statusColor(n), h.color))
		case "duration_ms":
			if n, ok := asInt(v); ok {
				put("duration", paint(strconv.FormatInt(n, 10)+"ms", durationColor(n), h.color))
				continue
			}
			put(k, quote(render(v)))
		default:
			put(k, quote(render(v)))
		}
	}

	var errVal *slog.Value
	for i, f := range fields {
		if used[i] {
			continue
		}
		if f.key == "err" {
			v := f.val
			errVal = &v
			continue
		}
		put(f.key, quote(render(f.val)))
	}
	if errVal != nil {
		put("err", paint(quote(render(*errVal)), ansiRed, h.color))
	}
}

func flatten(dst []field, a slog.Attr, prefix string) []field {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return dst
	}
	key := strings.TrimSpace(a.Key)
	if key != "" && prefix != "" {
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		if key == "" {
			key = prefix
		}
		for _, ga := range a.Value.Group() {
			dst = flatten(dst, ga, key)
		}
		return dst
	}
	if key == "" {
		return dst
	}
	return append(dst, field{key: key, val: a.Value})
}

// splitEvent turns "hub.deliver.drop" into ("hub", "deliver.drop").
func splitEvent(msg string) (string, string) {
	component, event, ok := strings.Cut(msg, ".")
	if !ok || component == "" {
		return "-", msg
	}
	return component, event
}

// shortID keeps the random tail of ULIDs. Other ids are printed whole.
func shortID(id string) string {
	if _, err := ulid.ParseStrict(id); err == nil {
		return "…" + id[len(id)-8:]
	}
	return quote(id)
}

func pad(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}

func render(v slog.Value) string {
	switch v.Kind() {
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindDuration:
		return v.Duration().String()
	default:
		return v.String()
	}
}

func quote(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func asInt(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func levelLabel(level slog.Level, color bool) string {
	switch {
	case level >= slog.LevelError:
		return paint("ERROR", ansiRed, color)
	case level >= slog.LevelWarn:
		return paint("WARN ", ansiYellow, color)
	case level < slog.LevelInfo:
		return paint("DEBUG", ansiMagenta, color)
	default:
		return paint("INFO ", ansiGreen, color)
	}
}

func statusColor(status int64) string {
	switch {
	case status >= 500:
		return ansiRed
	case status >= 400:
		return ansiYellow
	case status >= 300:
		return ansiCyan
	default:
		return ansiGreen
	}
}

func durationColor(ms int64) string {
	switch {
	case ms >= 1000:
		return ansiRed
	case ms >= 250:
		return ansiYellow
	default:
		return ansiDim
	}
}

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

func paint(s, code string, color bool) string {
	if !color || code == "" {
		return s
	}
	return code + s + ansiReset
}
