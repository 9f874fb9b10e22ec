// Package logging provides the printf-style logger handed to every
// component, backed by the process-wide structured logger.
package logging

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"deckflow/internal/observability"
)

// Logger defines a minimal, printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or a typed nil pointer.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	return val.Kind() == reflect.Ptr && val.IsNil()
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

var (
	baseMu sync.RWMutex
	base   = observability.NewLogger(observability.LogConfig{Level: "info", Format: "text"})
)

// Configure replaces the process-wide base used by component loggers.
// Loggers created before the call keep their previous base.
func Configure(cfg observability.LogConfig) *observability.Logger {
	next := observability.NewLogger(cfg)
	baseMu.Lock()
	base = next
	baseMu.Unlock()
	return next
}

// Base returns the current process-wide structured logger.
func Base() *observability.Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return base
}

// NewComponentLogger scopes the current base to a component.
func NewComponentLogger(component string) Logger {
	return FromObservabilityWithComponent(Base(), component)
}

// OrComponent returns logger when non-nil, otherwise the component default.
func OrComponent(logger Logger, component string) Logger {
	if IsNil(logger) {
		return NewComponentLogger(component)
	}
	return logger
}

// FromObservabilityWithComponent adapts a structured logger to the printf
// contract. The message is only formatted when its level is enabled.
func FromObservabilityWithComponent(logger *observability.Logger, component string) Logger {
	if logger == nil {
		return Nop()
	}
	if component != "" {
		logger = logger.With("component", component)
	}
	return &printfLogger{logger: logger}
}

// WithArtifact tags every line with the artifact a component is working on.
// Structured loggers get an artifact_id attribute; any other logger gets a
// message prefix.
func WithArtifact(logger Logger, artifactID string) Logger {
	if artifactID == "" {
		return OrNop(logger)
	}
	switch l := logger.(type) {
	case *printfLogger:
		return &printfLogger{logger: l.logger.With("artifact_id", artifactID)}
	case *prefixLogger:
		return &prefixLogger{next: l.next, prefix: l.prefix + "[" + artifactID + "] "}
	default:
		if IsNil(logger) {
			return Nop()
		}
		return &prefixLogger{next: logger, prefix: "[" + artifactID + "] "}
	}
}

type printfLogger struct {
	logger *observability.Logger
}

func (l *printfLogger) Debug(format string, args ...any) {
	if l.logger.Enabled(slog.LevelDebug) {
		l.logger.Debug(fmt.Sprintf(format, args...))
	}
}

func (l *printfLogger) Info(format string, args ...any) {
	if l.logger.Enabled(slog.LevelInfo) {
		l.logger.Info(fmt.Sprintf(format, args...))
	}
}

func (l *printfLogger) Warn(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *printfLogger) Error(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

type prefixLogger struct {
	next   Logger
	prefix string
}

func (l *prefixLogger) Debug(format string, args ...any) { l.next.Debug(l.prefix+format, args...) }
func (l *prefixLogger) Info(format string, args ...any)  { l.next.Info(l.prefix+format, args...) }
func (l *prefixLogger) Warn(format string, args ...any)  { l.next.Warn(l.prefix+format, args...) }
func (l *prefixLogger) Error(format string, args ...any) { l.next.Error(l.prefix+format, args...) }
