package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"deckflow/internal/deck/fragment"
	dferrors "deckflow/internal/errors"
	"deckflow/internal/observability"
)

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) add(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) OnHandshake(env fragment.Envelope) { s.add("handshake:" + env.UserID) }
func (s *recordingSink) OnFragment(env fragment.Envelope)  { s.add("fragment:" + env.ID) }
func (s *recordingSink) OnReconnect(attempt int)           { s.add("reconnect") }
func (s *recordingSink) OnTerminal(env fragment.Envelope) {
	s.add("terminal:" + string(env.TerminalStatus()))
}

func (s *recordingSink) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

type wsScript func(t *testing.T, conn *websocket.Conn, r *http.Request)

// newWSServer serves scripts[i] to the i-th connection; later connections reuse the last script.
func newWSServer(t *testing.T, scripts ...wsScript) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(conns.Add(1)) - 1
		if n >= len(scripts) {
			n = len(scripts) - 1
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		scripts[n](t, conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func send(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
}

func readSubscribe(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func fastBackoff(attempts int) dferrors.BackoffConfig {
	return dferrors.BackoffConfig{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestChannelDeliversInOrderUntilTerminal(t *testing.T) {
	var (
		subscribe map[string]any
		auth      string
		query     string
	)
	srv, _ := newWSServer(t, func(t *testing.T, conn *websocket.Conn, r *http.Request) {
		auth = r.Header.Get("Authorization")
		query = r.URL.Query().Get("artifact_id")
		subscribe = readSubscribe(t, conn)
		send(t, conn, `{"type": "handshake", "artifact_id": "a-1", "user_id": "u-1", "worker_id": "w-1"}`)
		for _, id := range []string{"1", "2", "3"} {
			send(t, conn, `{"id": "`+id+`", "author": "planner", "content": "x"}`)
		}
		send(t, conn, `{"type": "pong"}`)
		send(t, conn, `{"id": "stale", "artifact_id": "other", "author": "planner", "content": "x"}`)
		send(t, conn, `{"type": "done", "status": "completed"}`)
		_, _, _ = conn.ReadMessage()
	})

	var states []State
	var statesMu sync.Mutex
	ch := New(Options{
		URL:        wsURL(srv),
		ArtifactID: "a-1",
		Token:      "secret-token",
		Backoff:    fastBackoff(1),
		CloseGrace: 10 * time.Millisecond,
		OnState: func(s State) {
			statesMu.Lock()
			states = append(states, s)
			statesMu.Unlock()
		},
	})
	sink := &recordingSink{}

	require.NoError(t, ch.Run(context.Background(), sink))
	require.Equal(t, []string{"handshake:u-1", "fragment:1", "fragment:2", "fragment:3", "terminal:completed"}, sink.Events())
	assert.Equal(t, "Bearer secret-token", auth)
	assert.Equal(t, "a-1", query)
	assert.Equal(t, "subscribe", subscribe["type"])
	assert.Equal(t, "a-1", subscribe["artifact_id"])
	assert.Equal(t, StateDisconnected, ch.State())

	statesMu.Lock()
	defer statesMu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateConnected, StateStreaming, StateClosing, StateDisconnected}, states)
}

func TestChannelToleratesMissingHandshake(t *testing.T) {
	srv, _ := newWSServer(t, func(t *testing.T, conn *websocket.Conn, r *http.Request) {
		readSubscribe(t, conn)
		send(t, conn, `{"id": "1", "author": "planner", "content": "x"}`)
		send(t, conn, `{"terminal": true, "error": "worker crashed"}`)
		_, _, _ = conn.ReadMessage()
	})

	sink := &recordingSink{}
	require.NoError(t, New(Options{URL: wsURL(srv), ArtifactID: "a-1", Backoff: fastBackoff(1)}).Run(context.Background(), sink))
	require.Equal(t, []string{"fragment:1", "terminal:failed"}, sink.Events())
}

func TestChannelReconnectsAndSignalsSink(t *testing.T) {
	srv, conns := newWSServer(t,
		func(t *testing.T, conn *websocket.Conn, r *http.Request) {
			readSubscribe(t, conn)
			send(t, conn, `{"type": "handshake", "user_id": "first"}`)
			send(t, conn, `{"id": "1", "author": "planner", "content": "x"}`)
		},
		func(t *testing.T, conn *websocket.Conn, r *http.Request) {
			readSubscribe(t, conn)
			send(t, conn, `{"type": "handshake", "user_id": "second"}`)
			send(t, conn, `{"id": "2", "author": "planner", "content": "x"}`)
			send(t, conn, `{"type": "completed"}`)
			_, _, _ = conn.ReadMessage()
		},
	)

	sink := &recordingSink{}
	require.NoError(t, New(Options{URL: wsURL(srv), ArtifactID: "a-1", Backoff: fastBackoff(3)}).Run(context.Background(), sink))
	require.Equal(t, []string{
		"handshake:first", "fragment:1",
		"reconnect",
		"handshake:second", "fragment:2", "terminal:completed",
	}, sink.Events())
	require.Equal(t, int32(2), conns.Load())
}

func TestChannelGivesUpAfterBoundedAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := New(Options{URL: wsURL(srv), ArtifactID: "a-1", Backoff: fastBackoff(2)}).Run(context.Background(), &recordingSink{})
	require.Error(t, err)
	assert.ErrorIs(t, err, dferrors.ErrChannel)
	assert.ErrorIs(t, err, dferrors.ErrAuth)
	assert.Equal(t, int32(3), hits.Load())
}

func TestChannelGivesUpOnFlappingServer(t *testing.T) {
	srv, conns := newWSServer(t, func(t *testing.T, conn *websocket.Conn, r *http.Request) {
		readSubscribe(t, conn)
		send(t, conn, `{"type": "handshake"}`)
		send(t, conn, `{"id": "1", "author": "planner", "content": "x"}`)
	})

	sink := &recordingSink{}
	err := New(Options{URL: wsURL(srv), ArtifactID: "a-1", Backoff: fastBackoff(2)}).Run(context.Background(), sink)
	require.Error(t, err)
	assert.ErrorIs(t, err, dferrors.ErrChannel)
	assert.Equal(t, int32(3), conns.Load())

	reconnects := 0
	for _, event := range sink.Events() {
		if event == "reconnect" {
			reconnects++
		}
	}
	assert.Equal(t, 2, reconnects)
}

func TestChannelStableSessionResetsFailures(t *testing.T) {
	srv, conns := newWSServer(t,
		func(t *testing.T, conn *websocket.Conn, r *http.Request) {
			readSubscribe(t, conn)
			send(t, conn, `{"type": "handshake"}`)
		},
		func(t *testing.T, conn *websocket.Conn, r *http.Request) {
			readSubscribe(t, conn)
			send(t, conn, `{"type": "handshake"}`)
		},
		func(t *testing.T, conn *websocket.Conn, r *http.Request) {
			readSubscribe(t, conn)
			send(t, conn, `{"type": "done", "status": "completed"}`)
			_, _, _ = conn.ReadMessage()
		},
	)

	// With a single allowed retry only the reset keeps the third connection reachable.
	ch := New(Options{URL: wsURL(srv), ArtifactID: "a-1", Backoff: fastBackoff(1), StableAfter: time.Nanosecond})
	require.NoError(t, ch.Run(context.Background(), &recordingSink{}))
	assert.Equal(t, int32(3), conns.Load())
}

func TestChannelStopsDeliveringAfterCancel(t *testing.T) {
	release := make(chan struct{})
	srv, _ := newWSServer(t, func(t *testing.T, conn *websocket.Conn, r *http.Request) {
		readSubscribe(t, conn)
		send(t, conn, `{"type": "handshake"}`)
		send(t, conn, `{"id": "1", "author": "planner", "content": "x"}`)
		<-release
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"id": "late", "author": "planner", "content": "x"}`))
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	sink := &recordingSink{}
	ch := New(Options{URL: wsURL(srv), ArtifactID: "a-1", Backoff: fastBackoff(1)})

	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx, sink) }()

	require.Eventually(t, func() bool { return len(sink.Events()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, ch.Connected())
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.Equal(t, []string{"handshake:", "fragment:1"}, sink.Events())
	require.False(t, ch.Connected())
}

func TestChannelSendsKeepalives(t *testing.T) {
	pings := make(chan struct{}, 4)
	srv, _ := newWSServer(t, func(t *testing.T, conn *websocket.Conn, r *http.Request) {
		readSubscribe(t, conn)
		send(t, conn, `{"type": "handshake"}`)
		for i := 0; i < 2; i++ {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(data), `"ping"`) {
				pings <- struct{}{}
			}
		}
		send(t, conn, `{"done": true}`)
		_, _, _ = conn.ReadMessage()
	})

	ch := New(Options{URL: wsURL(srv), ArtifactID: "a-1", Backoff: fastBackoff(1), KeepaliveInterval: 10 * time.Millisecond})
	require.NoError(t, ch.Run(context.Background(), &recordingSink{}))
	require.Len(t, pings, 2)
}

func TestChannelRejectsConcurrentRun(t *testing.T) {
	block := make(chan struct{})
	srv, _ := newWSServer(t, func(t *testing.T, conn *websocket.Conn, r *http.Request) {
		readSubscribe(t, conn)
		send(t, conn, `{"type": "handshake"}`)
		<-block
	})
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := New(Options{URL: wsURL(srv), ArtifactID: "a-1", Backoff: fastBackoff(1)})
	go func() { _ = ch.Run(ctx, &recordingSink{}) }()

	require.Eventually(t, ch.Connected, 2*time.Second, 5*time.Millisecond)
	require.ErrorIs(t, ch.Run(ctx, &recordingSink{}), errAlreadyRunning)
}

func TestEndpoint(t *testing.T) {
	ch := New(Options{URL: "https://decks.example.com/stream/", ArtifactID: "a b"})
	endpoint, err := ch.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, "wss://decks.example.com/stream/ws?artifact_id=a+b", endpoint)

	_, err = New(Options{URL: "ftp://x"}).Endpoint()
	require.Error(t, err)
}

func TestChannelTracesDialAttempts(t *testing.T) {
	srv, _ := newWSServer(t,
		func(t *testing.T, conn *websocket.Conn, r *http.Request) {
			readSubscribe(t, conn)
			send(t, conn, `{"type": "handshake"}`)
			send(t, conn, `{"id": "1", "author": "planner", "content": "x"}`)
		},
		func(t *testing.T, conn *websocket.Conn, r *http.Request) {
			readSubscribe(t, conn)
			send(t, conn, `{"type": "done", "status": "completed"}`)
			_, _, _ = conn.ReadMessage()
		},
	)

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ch := New(Options{URL: wsURL(srv), ArtifactID: "a-1", Backoff: fastBackoff(3), Tracer: tp.Tracer("test")})
	require.NoError(t, ch.Run(context.Background(), &recordingSink{}))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	for _, span := range spans {
		assert.Equal(t, observability.SpanChannelDial, span.Name())
		assert.Contains(t, span.Attributes(), attribute.String(observability.AttrArtifactID, "a-1"))
	}
	// Attempts count consecutive failures, so the redial after a dropped session is 1.
	assert.Contains(t, spans[1].Attributes(), attribute.Int(observability.AttrAttempt, 1))
}
