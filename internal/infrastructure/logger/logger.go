package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

// coloredHandler wraps a slog.TextHandler and colors the level field.
type coloredHandler struct {
	handler slog.Handler
}

func newColoredHandler(w io.Writer, opts *slog.HandlerOptions) *coloredHandler {
	return &coloredHandler{
		handler: slog.NewTextHandler(&colorWriter{writer: w, enabled: isTerminal(w)}, opts),
	}
}

func (h *coloredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *coloredHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.handler.Handle(ctx, record)
}

func (h *coloredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &coloredHandler{handler: h.handler.WithAttrs(attrs)}
}

func (h *coloredHandler) WithGroup(name string) slog.Handler {
	return &coloredHandler{handler: h.handler.WithGroup(name)}
}

var levelColors = strings.NewReplacer(
	"level=DEBUG", colorCyan+"level=DEBUG"+colorReset,
	"level=INFO", colorGreen+"level=INFO"+colorReset,
	"level=WARN", colorYellow+"level=WARN"+colorReset,
	"level=ERROR", colorRed+"level=ERROR"+colorReset,
)

// colorWriter adds color codes around the level string when writing to a TTY.
type colorWriter struct {
	writer  io.Writer
	enabled bool
}

func (cw *colorWriter) Write(p []byte) (int, error) {
	if !cw.enabled {
		return cw.writer.Write(p)
	}
	if _, err := io.WriteString(cw.writer, levelColors.Replace(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(file.Fd()))
}

// New builds a structured slog logger writing to w. Development environments
// (local, dev, development) get colored text output, everything else JSON.
// A nil writer means stdout.
func New(appName, level, environment string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	env := strings.ToLower(strings.TrimSpace(environment))
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(level),
		AddSource: env != "local",
	}

	var handler slog.Handler
	if env == "local" || env == "dev" || env == "development" {
		handler = newColoredHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler).With("app", appName)
}

// ParseLevel maps a textual level to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
