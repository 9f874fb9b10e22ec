package logging

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"deckflow/internal/observability"
)

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) record(level, format string, args ...any) {
	r.lines = append(r.lines, level+" "+fmt.Sprintf(format, args...))
}

func (r *recordingLogger) Debug(format string, args ...any) { r.record("debug", format, args...) }
func (r *recordingLogger) Info(format string, args ...any)  { r.record("info", format, args...) }
func (r *recordingLogger) Warn(format string, args ...any)  { r.record("warn", format, args...) }
func (r *recordingLogger) Error(format string, args ...any) { r.record("error", format, args...) }

func TestOrNopHandlesTypedNilPointers(t *testing.T) {
	var typed *recordingLogger
	var logger Logger = typed
	require.True(t, IsNil(logger))

	safe := OrNop(logger)
	require.False(t, IsNil(safe))
	safe.Info("hello %s", "world")
}

func TestFromObservabilityFormatsMessages(t *testing.T) {
	buf := &bytes.Buffer{}
	base := observability.NewLogger(observability.LogConfig{Level: "info", Output: buf})

	logger := FromObservabilityWithComponent(base, "reconciler")
	logger.Info("hello %s", "world")
	logger.Debug("hidden %s", "line")

	require.Contains(t, buf.String(), "hello world")
	require.Contains(t, buf.String(), "component=reconciler")
	require.NotContains(t, buf.String(), "hidden")
}

func TestWithArtifactAddsAttribute(t *testing.T) {
	buf := &bytes.Buffer{}
	base := observability.NewLogger(observability.LogConfig{Level: "debug", Output: buf})

	logger := WithArtifact(FromObservabilityWithComponent(base, "orchestrator"), "deck-9")
	logger.Warn("stream dropped")

	require.Contains(t, buf.String(), "artifact_id=deck-9")
	require.Contains(t, buf.String(), "component=orchestrator")
}

func TestWithArtifactPrefixesOtherLoggers(t *testing.T) {
	rec := &recordingLogger{}

	WithArtifact(WithArtifact(rec, "a"), "b").Info("n=%d", 3)
	WithArtifact(rec, "").Error("plain")

	require.Equal(t, []string{"info [a] [b] n=3", "error plain"}, rec.lines)
	require.Equal(t, Nop(), WithArtifact(nil, "x"))
}

func TestConfigureSwapsComponentBase(t *testing.T) {
	prev := Base()
	t.Cleanup(func() {
		baseMu.Lock()
		base = prev
		baseMu.Unlock()
	})

	buf := &bytes.Buffer{}
	Configure(observability.LogConfig{Level: "debug", Output: buf})
	NewComponentLogger("channel").Debug("dialing %s", "ws://x")

	require.Contains(t, buf.String(), "dialing ws://x")
}
