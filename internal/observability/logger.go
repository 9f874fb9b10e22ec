package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Logger is the structured slog logger behind every component logger.
type Logger struct {
	logger *slog.Logger
}

// LogConfig configures the logger
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	Output io.Writer
}

// NewLogger builds a text or JSON logger. Output defaults to stderr so
// command output on stdout stays machine readable.
func NewLogger(config LogConfig) *Logger {
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(config.Level)}

	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(config.Format), "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}
	return &Logger{logger: slog.New(handler)}
}

// ParseLevel maps a level name to a slog level, defaulting to info.
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

// Enabled reports whether records at level would be written.
func (l *Logger) Enabled(level slog.Level) bool {
	return l.logger.Enabled(context.Background(), level)
}

// WithContext tags records with the artifact the context was issued for and
// the trace of the active span, when there is one.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var args []any
	if artifactID := ArtifactIDFromContext(ctx); artifactID != "" {
		args = append(args, "artifact_id", artifactID)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		args = append(args, "trace_id", sc.TraceID().String())
	}
	if len(args) == 0 {
		return l
	}
	return l.With(args...)
}

// With adds additional fields to the logger
func (l *Logger) With(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...)}
}

func (l *Logger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

// SanitizeToken masks a bearer credential for log output.
func SanitizeToken(token string) string {
	if len(token) <= 12 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

type contextKey struct{}

// ContextWithArtifactID tags the context with the artifact a request was issued for.
func ContextWithArtifactID(ctx context.Context, artifactID string) context.Context {
	return context.WithValue(ctx, contextKey{}, artifactID)
}

// ArtifactIDFromContext returns the artifact tag, or "".
func ArtifactIDFromContext(ctx context.Context) string {
	artifactID, _ := ctx.Value(contextKey{}).(string)
	return artifactID
}
