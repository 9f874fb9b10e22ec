package async

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubPanicLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *stubPanicLogger) Error(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf(format, args...))
}

func (l *stubPanicLogger) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.messages))
	copy(out, l.messages)
	return out
}

func TestGoRecoversPanic(t *testing.T) {
	logger := &stubPanicLogger{}
	done := make(chan struct{})

	Go(logger, "drain", func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for goroutine")
	}

	require.Eventually(t, func() bool {
		for _, msg := range logger.snapshot() {
			if strings.Contains(msg, "goroutine panic [drain]") {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestSafeConvertsPanicToError(t *testing.T) {
	logger := &stubPanicLogger{}
	err := Safe(logger, "reader", func() error { panic("bad frame") })()

	require.Error(t, err)
	require.Contains(t, err.Error(), "bad frame")
	require.Len(t, logger.snapshot(), 1)
}

func TestSafePassesThroughErrors(t *testing.T) {
	want := fmt.Errorf("closed")
	require.Equal(t, want, Safe(nil, "x", func() error { return want })())
}

func TestRecoverHandlesNilLogger(t *testing.T) {
	require.NotPanics(t, func() {
		defer Recover(nil, "nil-logger")
		panic("ignored")
	})
}
