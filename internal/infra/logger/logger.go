package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"stitchlab-agent/internal/domain"
	"stitchlab-agent/internal/infra/config"
)

// redactedKeys are attribute keys whose values never reach log output.
var redactedKeys = map[string]bool{
	"authorization": true,
	"auth_token":    true,
	"token":         true,
	"secret":        true,
}

// New creates a configured *slog.Logger tagged with the application name.
// Records logged with a context carrying a domain.SessionScope gain the
// session_id and actor_id attributes. The returned closer should be deferred
// to close file outputs.
func New(cfg config.LoggerConfig, app string) (*slog.Logger, func() error, error) {
	writer, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}
	log := slog.New(newHandler(writer, cfg.Format, parseLevel(cfg.Level)))
	if app != "" {
		log = log.With("app", app)
	}
	return log, closer, nil
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redact,
	}
	if strings.EqualFold(format, "json") {
		return scopeHandler{slog.NewJSONHandler(w, opts)}
	}
	return scopeHandler{slog.NewTextHandler(w, opts)}
}

// scopeHandler tags records with the session scope found in their context.
type scopeHandler struct {
	slog.Handler
}

func (h scopeHandler) Handle(ctx context.Context, r slog.Record) error {
	if scope, ok := domain.ScopeFromContext(ctx); ok {
		r.AddAttrs(
			slog.String("session_id", scope.SessionID),
			slog.String("actor_id", scope.ActorID),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h scopeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return scopeHandler{h.Handler.WithAttrs(attrs)}
}

func (h scopeHandler) WithGroup(name string) slog.Handler {
	return scopeHandler{h.Handler.WithGroup(name)}
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if redactedKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

// parseLevel converts a string level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// openOutput returns an io.Writer for the specified output target.
func openOutput(output string) (io.Writer, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, noop, nil
	case "stderr", "":
		return os.Stderr, noop, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}
}
