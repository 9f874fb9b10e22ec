package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deckflow/internal/backend"
	"deckflow/internal/deck"
	"deckflow/internal/deck/reconciler"
	dferrors "deckflow/internal/errors"
	"deckflow/internal/mockserver"
	"deckflow/internal/observability"
	"deckflow/internal/stream"
)

const testToken = "tok"

type harness struct {
	orch *Orchestrator
	srv  *mockserver.Server
	reg  *prometheus.Registry
}

func newHarness(t *testing.T, mutate func(*Options), scenarios ...mockserver.Scenario) *harness {
	t.Helper()
	srv := mockserver.New(mockserver.Options{Token: testToken}, scenarios...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	reg := prometheus.NewRegistry()
	metrics := observability.MustNewMetrics(reg)
	client := backend.NewClient(backend.Options{
		BaseURL: ts.URL,
		Token:   testToken,
		Timeout: 2 * time.Second,
		History: reconciler.DefaultOptions(),
		Metrics: metrics,
	})
	opts := Options{
		Backend: client,
		Stream: stream.Options{
			URL:              ts.URL,
			Token:            testToken,
			Backoff:          dferrors.BackoffConfig{MaxAttempts: 2, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
			HandshakeTimeout: time.Second,
			CloseGrace:       5 * time.Millisecond,
		},
		Reconcile:  reconciler.DefaultOptions(),
		Metrics:    metrics,
		RunMetrics: MustNewMetrics(reg),
	}
	if mutate != nil {
		mutate(&opts)
	}
	orch, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(orch.Close)
	return &harness{orch: orch, srv: srv, reg: reg}
}

func (h *harness) waitFor(t *testing.T, status deck.HookStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.orch.Status() == status
	}, 5*time.Second, 5*time.Millisecond, "never reached %s (last %s)", status, h.orch.Status())
}

func logContents(h *harness) []string {
	var out []string
	for _, entry := range h.orch.Store().Snapshot().Logs {
		out = append(out, entry.Content)
	}
	return out
}

func slideIDs(h *harness) []string {
	var out []string
	for _, slide := range h.orch.Store().Snapshot().Slides {
		out = append(out, slide.ID)
	}
	return out
}

func frame(kv ...any) mockserver.Step {
	f := mockserver.Frame{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[kv[i].(string)] = kv[i+1]
	}
	return mockserver.Step{Frame: f}
}

func slideFrame(position int, id, content string) mockserver.Step {
	return mockserver.Step{Frame: mockserver.Frame{
		"slide": map[string]any{"position": position, "id": id, "content": content},
	}}
}

func TestQueuedScenario(t *testing.T) {
	h := newHarness(t, nil, mockserver.Scenario{
		ArtifactID:  "deck-q",
		UserID:      "u-7",
		WorkerID:    "w-3",
		Status:      "queued",
		TotalSlides: 2,
		Stream: []mockserver.Step{
			frame("id", "l1", "author", "planner", "phase", "planning", "content", "outline"),
			frame("id", "l2", "author", "researcher", "phase", "research", "content", "sources"),
			slideFrame(1, "s1", "intro"),
			slideFrame(2, "s2", "closing"),
			frame("type", "done", "status", "completed"),
		},
	})

	require.NoError(t, h.orch.Initialize(context.Background(), "deck-q"))
	h.waitFor(t, deck.HookReady)

	assert.Equal(t, 1, h.srv.Stats("deck-q").Starts)
	assert.Equal(t, []string{"outline", "sources"}, logContents(h))
	assert.Equal(t, []string{"s1", "s2"}, slideIDs(h))

	session := h.orch.Store().Session()
	assert.Equal(t, "u-7", session.UserID)
	assert.Equal(t, "w-3", session.WorkerID)

	view := h.orch.View()
	assert.Equal(t, "deck-q", view.ArtifactID)
	assert.Equal(t, deck.StatusCompleted, view.DomainStatus)
	assert.Equal(t, deck.Phases(), view.CompletedPhases)
	assert.Empty(t, view.Error)

	assert.Equal(t, 1.0, counterValue(t, h.reg, "deckflow_orchestrator_transitions_total",
		map[string]string{"from": "streaming", "to": "ready"}))
}

func TestInitializeSameArtifactIsNoop(t *testing.T) {
	h := newHarness(t, nil, mockserver.Scenario{ArtifactID: "deck-c", Status: "completed"})

	require.NoError(t, h.orch.Initialize(context.Background(), "deck-c"))
	h.waitFor(t, deck.HookReady)
	require.NoError(t, h.orch.Initialize(context.Background(), "deck-c"))

	stats := h.srv.Stats("deck-c")
	assert.Equal(t, 1, stats.StatusCalls)
	assert.Equal(t, 0, stats.Starts)
	assert.Equal(t, 0, stats.Connections)
}

func TestResumeScenario(t *testing.T) {
	h := newHarness(t, nil, mockserver.Scenario{
		ArtifactID:  "deck-r",
		Status:      "processing",
		TotalSlides: 2,
		History: []mockserver.Frame{
			{"author": "user", "content": "build a deck"},
			{"id": "l1", "author": "planner", "phase": "planning", "content": "outline"},
			{"slide": map[string]any{"position": 1, "id": "s1", "content": "intro"}},
		},
		Stream: []mockserver.Step{
			// Redelivered fragments from before the attach.
			frame("id", "l1", "author", "planner", "phase", "planning", "content", "outline"),
			slideFrame(1, "s1", "intro"),
			frame("id", "l2", "author", "writer", "phase", "generation", "content", "drafting"),
			slideFrame(2, "s2", "closing"),
			frame("done", true),
		},
	})

	require.NoError(t, h.orch.Initialize(context.Background(), "deck-r"))
	h.waitFor(t, deck.HookReady)

	stats := h.srv.Stats("deck-r")
	assert.Equal(t, 0, stats.Starts)
	assert.GreaterOrEqual(t, stats.HistoryCalls, 1)
	assert.Equal(t, []string{"build a deck", "outline", "drafting"}, logContents(h))
	assert.Equal(t, []string{"s1", "s2"}, slideIDs(h))
	assert.Equal(t, deck.Phases(), h.orch.View().CompletedPhases)
}

func TestReorderScenario(t *testing.T) {
	h := newHarness(t, nil, mockserver.Scenario{
		ArtifactID: "deck-o",
		Status:     "processing",
		Stream: []mockserver.Step{
			slideFrame(1, "s1", "one"),
			slideFrame(2, "s2", "two"),
			slideFrame(3, "s3", "three"),
			{Frame: mockserver.Frame{"slide": map[string]any{"position": 2, "id": "new", "content": "inserted", "action": "insert"}}},
			frame("type", "completed"),
		},
	})

	require.NoError(t, h.orch.Initialize(context.Background(), "deck-o"))
	h.waitFor(t, deck.HookReady)

	assert.Equal(t, []string{"s1", "new", "s2", "s3"}, slideIDs(h))
	for i, slide := range h.orch.Store().Snapshot().Slides {
		assert.Equal(t, i+1, slide.Position)
	}
}

func TestStaleArtifactFragmentsAreIgnored(t *testing.T) {
	h := newHarness(t, nil, mockserver.Scenario{
		ArtifactID: "deck-s",
		Status:     "processing",
		Stream: []mockserver.Step{
			frame("id", "mine", "author", "planner", "content", "for this deck"),
			frame("id", "theirs", "artifact_id", "deck-other", "author", "planner", "content", "for another deck"),
			frame("done", true),
		},
	})

	require.NoError(t, h.orch.Initialize(context.Background(), "deck-s"))
	h.waitFor(t, deck.HookReady)
	assert.Equal(t, []string{"for this deck"}, logContents(h))
}

func TestResetDiscardsPreviousSession(t *testing.T) {
	h := newHarness(t, nil,
		mockserver.Scenario{
			ArtifactID: "deck-a",
			Status:     "processing",
			Stream: []mockserver.Step{
				{Delay: 150 * time.Millisecond, Frame: mockserver.Frame{"id": "a1", "author": "planner", "content": "from a"}},
				{Delay: 150 * time.Millisecond, Frame: mockserver.Frame{"done": true}},
			},
		},
		mockserver.Scenario{
			ArtifactID: "deck-b",
			Status:     "completed",
			History: []mockserver.Frame{
				{"id": "b1", "author": "planner", "content": "from b"},
			},
		},
	)

	require.NoError(t, h.orch.Initialize(context.Background(), "deck-a"))
	h.waitFor(t, deck.HookStreaming)
	require.NoError(t, h.orch.Reset(context.Background(), "deck-b"))
	h.waitFor(t, deck.HookReady)

	// Give a leaked deck-a fragment time to show up if isolation were broken.
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, []string{"from b"}, logContents(h))
	assert.Equal(t, "deck-b", h.orch.Store().Session().ArtifactID)
	assert.Equal(t, "deck-b", h.orch.View().ArtifactID)
}

func TestFailedStatusMovesToError(t *testing.T) {
	h := newHarness(t, nil, mockserver.Scenario{ArtifactID: "deck-f", Status: "failed", Error: "renderer crashed"})

	err := h.orch.Initialize(context.Background(), "deck-f")
	require.Error(t, err)
	assert.True(t, errors.Is(err, dferrors.ErrTerminal))
	assert.Equal(t, deck.HookError, h.orch.Status())
	assert.Contains(t, h.orch.View().Error, "renderer crashed")
	assert.Equal(t, 0, h.srv.Stats("deck-f").Connections)
}

func TestTerminalFailureOnStream(t *testing.T) {
	h := newHarness(t, nil, mockserver.Scenario{
		ArtifactID: "deck-tf",
		Status:     "processing",
		Stream: []mockserver.Step{
			frame("id", "l1", "author", "planner", "content", "starting"),
			frame("type", "error", "error", "out of credits"),
		},
	})

	require.NoError(t, h.orch.Initialize(context.Background(), "deck-tf"))
	h.waitFor(t, deck.HookError)
	view := h.orch.View()
	assert.Contains(t, view.Error, "out of credits")
	assert.Equal(t, deck.StatusFailed, view.DomainStatus)
	assert.Equal(t, []string{"starting"}, logContents(h))
}

func TestRetryAfterNetworkError(t *testing.T) {
	h := newHarness(t, nil, mockserver.Scenario{
		ArtifactID: "deck-n",
		Status:     "completed",
		History:    []mockserver.Frame{{"id": "l1", "author": "planner", "content": "done"}},
		Fail:       mockserver.Failures{Status: http.StatusServiceUnavailable},
	})

	err := h.orch.Initialize(context.Background(), "deck-n")
	require.Error(t, err)
	assert.True(t, errors.Is(err, dferrors.ErrNetwork))
	assert.Equal(t, deck.HookError, h.orch.Status())
	assert.NotEmpty(t, h.orch.View().Error)

	h.srv.SetFailures("deck-n", mockserver.Failures{})
	require.NoError(t, h.orch.Retry(context.Background()))
	assert.Equal(t, deck.HookReady, h.orch.Status())
	assert.Equal(t, []string{"done"}, logContents(h))
	assert.Empty(t, h.orch.View().Error)
}

func TestRetryOutsideErrorIsIgnored(t *testing.T) {
	h := newHarness(t, nil, mockserver.Scenario{ArtifactID: "deck-i", Status: "completed"})
	assert.ErrorIs(t, h.orch.Retry(context.Background()), ErrNoSession)

	require.NoError(t, h.orch.Initialize(context.Background(), "deck-i"))
	require.NoError(t, h.orch.Retry(context.Background()))
	assert.Equal(t, 1, h.srv.Stats("deck-i").StatusCalls)
}

func TestHistoryFailureMovesToError(t *testing.T) {
	h := newHarness(t, nil, mockserver.Scenario{
		ArtifactID: "deck-h",
		Status:     "processing",
		Fail:       mockserver.Failures{History: http.StatusInternalServerError},
	})

	require.Error(t, h.orch.Initialize(context.Background(), "deck-h"))
	assert.Equal(t, deck.HookError, h.orch.Status())
	assert.Equal(t, 0, h.srv.Stats("deck-h").Connections)
}

func TestStartFailureDoesNotFailSession(t *testing.T) {
	h := newHarness(t, nil, mockserver.Scenario{
		ArtifactID: "deck-sf",
		Status:     "queued",
		Fail:       mockserver.Failures{Start: http.StatusBadGateway},
		Stream:     []mockserver.Step{frame("done", true)},
	})

	require.NoError(t, h.orch.Initialize(context.Background(), "deck-sf"))
	h.waitFor(t, deck.HookReady)
	assert.Equal(t, 1, h.srv.Stats("deck-sf").Starts)
}

func TestChannelExhaustionMovesToError(t *testing.T) {
	h := newHarness(t, nil, mockserver.Scenario{
		ArtifactID: "deck-x",
		Status:     "processing",
		Fail:       mockserver.Failures{Stream: http.StatusServiceUnavailable},
	})

	require.NoError(t, h.orch.Initialize(context.Background(), "deck-x"))
	h.waitFor(t, deck.HookError)
	assert.NotEmpty(t, h.orch.View().Error)
	assert.False(t, h.orch.View().ChannelConnected)
}

func TestReconnectReloadsHistory(t *testing.T) {
	h := newHarness(t, nil, mockserver.Scenario{
		ArtifactID: "deck-d",
		Status:     "processing",
		DropAfter:  1,
		Stream: []mockserver.Step{
			frame("id", "l1", "author", "planner", "content", "first"),
			frame("id", "l2", "author", "planner", "content", "second"),
			frame("done", true),
		},
	})

	require.NoError(t, h.orch.Initialize(context.Background(), "deck-d"))
	h.waitFor(t, deck.HookReady)

	stats := h.srv.Stats("deck-d")
	assert.Equal(t, 2, stats.Connections)
	assert.Equal(t, 2, stats.HistoryCalls)
	assert.Equal(t, []string{"first", "second"}, logContents(h))
}

func TestSubmitFollowUp(t *testing.T) {
	h := newHarness(t, nil, mockserver.Scenario{
		ArtifactID: "deck-u",
		Status:     "completed",
		History:    []mockserver.Frame{{"id": "l1", "author": "planner", "content": "v1 ready"}},
		FollowUp: []mockserver.Step{
			frame("id", "l2", "author", "writer", "content", "added a chart"),
			frame("done", true),
		},
	})

	require.NoError(t, h.orch.Initialize(context.Background(), "deck-u"))
	require.Equal(t, deck.HookReady, h.orch.Status())

	require.NoError(t, h.orch.SubmitFollowUp(context.Background(), "add a chart"))
	require.Eventually(t, func() bool {
		logs := h.orch.Store().Snapshot().Logs
		return h.orch.Status() == deck.HookReady && len(logs) == 3
	}, 5*time.Second, 5*time.Millisecond)

	logs := h.orch.Store().Snapshot().Logs
	assert.Equal(t, []string{"v1 ready", "add a chart", "added a chart"}, logContents(h))
	assert.Equal(t, deck.AuthorUser, logs[1].Author)
	assert.False(t, logs[1].Pending)

	stats := h.srv.Stats("deck-u")
	assert.Equal(t, []string{"add a chart"}, stats.Messages)
	assert.Equal(t, 1, stats.Starts)
	assert.Equal(t, 1, stats.Connections)
}

func TestSubmitFollowUpRequiresSession(t *testing.T) {
	h := newHarness(t, nil)
	assert.ErrorIs(t, h.orch.SubmitFollowUp(context.Background(), "hello"), ErrNoSession)
	assert.Error(t, h.orch.SubmitFollowUp(context.Background(), "  "))
	assert.ErrorIs(t, h.orch.ObserveStatus(context.Background(), deck.StatusQueued), ErrNoSession)
}

func TestStatusPollerPicksUpExternalChanges(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.StatusWatchInterval = 10 * time.Millisecond },
		mockserver.Scenario{ArtifactID: "deck-p", Status: "completed", Error: "cancelled by owner"})

	require.NoError(t, h.orch.Initialize(context.Background(), "deck-p"))
	require.Equal(t, deck.HookReady, h.orch.Status())

	h.srv.SetStatus("deck-p", "failed")
	h.waitFor(t, deck.HookError)
	assert.Contains(t, h.orch.View().Error, "cancelled by owner")
	assert.Equal(t, deck.StatusFailed, h.orch.View().DomainStatus)
}

func TestObservedQueuedDoesNotRestartAfterStart(t *testing.T) {
	h := newHarness(t, nil, mockserver.Scenario{
		ArtifactID: "deck-o",
		Status:     "queued",
		Stream: []mockserver.Step{
			frame("id", "l1", "author", "planner", "phase", "planning", "content", "outline"),
			frame("type", "done", "status", "completed"),
		},
	})

	require.NoError(t, h.orch.Initialize(context.Background(), "deck-o"))
	h.waitFor(t, deck.HookReady)
	require.Equal(t, 1, h.srv.Stats("deck-o").Connections)

	require.NoError(t, h.orch.ObserveStatus(context.Background(), deck.StatusQueued))
	h.waitFor(t, deck.HookReady)

	stats := h.srv.Stats("deck-o")
	assert.Equal(t, 1, stats.Starts)
	assert.Equal(t, 2, stats.Connections)
	assert.Equal(t, []string{"outline"}, logContents(h))
}

func TestObservedQueuedStartsSettledSessionOnce(t *testing.T) {
	h := newHarness(t, nil, mockserver.Scenario{ArtifactID: "deck-k", Status: "completed"})

	require.NoError(t, h.orch.Initialize(context.Background(), "deck-k"))
	require.Equal(t, deck.HookReady, h.orch.Status())
	require.Zero(t, h.srv.Stats("deck-k").Starts)

	require.NoError(t, h.orch.ObserveStatus(context.Background(), deck.StatusQueued))
	h.waitFor(t, deck.HookReady)
	assert.Equal(t, 1, h.srv.Stats("deck-k").Starts)

	require.NoError(t, h.orch.ObserveStatus(context.Background(), deck.StatusQueued))
	h.waitFor(t, deck.HookReady)

	stats := h.srv.Stats("deck-k")
	assert.Equal(t, 1, stats.Starts)
	assert.Equal(t, 2, stats.Connections)
}

func TestSubscribeDeliversLatestView(t *testing.T) {
	h := newHarness(t, nil, mockserver.Scenario{
		ArtifactID: "deck-v",
		Status:     "processing",
		Stream: []mockserver.Step{
			frame("id", "l1", "author", "planner", "phase", "research", "content", "digging"),
			frame("done", true),
		},
	})

	views, cancel := h.orch.Subscribe()
	defer cancel()
	first := <-views
	assert.Equal(t, deck.HookIdle, first.Status)

	require.NoError(t, h.orch.Initialize(context.Background(), "deck-v"))

	var seen []deck.HookStatus
	deadline := time.After(5 * time.Second)
	for {
		select {
		case view := <-views:
			if len(seen) == 0 || seen[len(seen)-1] != view.Status {
				seen = append(seen, view.Status)
			}
			if view.Status == deck.HookReady {
				assert.Contains(t, seen, deck.HookStreaming)
				return
			}
		case <-deadline:
			t.Fatalf("no ready view, saw %v", seen)
		}
	}
}

// fakeBackend blocks status calls for artifacts listed in block until the
// request context ends.
type fakeBackend struct {
	mu      sync.Mutex
	block   map[string]bool
	entered chan string
	history map[string]deck.History
}

func (f *fakeBackend) ResolveStatus(ctx context.Context, id string) (backend.StatusResult, error) {
	f.mu.Lock()
	blocked := f.block[id]
	f.mu.Unlock()
	if blocked {
		f.entered <- id
		<-ctx.Done()
		return backend.StatusResult{}, dferrors.NewNetworkError("status", id, ctx.Err())
	}
	if id == "mislabelled" {
		return backend.StatusResult{ArtifactID: "someone-else", Status: deck.StatusCompleted}, nil
	}
	return backend.StatusResult{ArtifactID: id, Status: deck.StatusCompleted}, nil
}

func (f *fakeBackend) Start(context.Context, string) error { return nil }

func (f *fakeBackend) FetchHistory(_ context.Context, id string) (deck.History, error) {
	return f.history[id], nil
}

func (f *fakeBackend) SendMessage(context.Context, string, string) error { return nil }

func TestResetDuringCheckDiscardsStaleResponse(t *testing.T) {
	fake := &fakeBackend{
		block:   map[string]bool{"slow": true},
		entered: make(chan string, 1),
		history: map[string]deck.History{
			"fast": {Status: deck.StatusCompleted, Logs: []deck.LogEntry{{ID: "f1", Author: "planner", Content: "fast log"}}},
		},
	}
	orch, err := New(Options{Backend: fake, Reconcile: reconciler.DefaultOptions()})
	require.NoError(t, err)
	defer orch.Close()

	done := make(chan error, 1)
	go func() { done <- orch.Initialize(context.Background(), "slow") }()
	require.Equal(t, "slow", <-fake.entered)

	require.NoError(t, orch.Reset(context.Background(), "fast"))
	require.NoError(t, <-done)

	assert.Equal(t, deck.HookReady, orch.Status())
	assert.Equal(t, "fast", orch.View().ArtifactID)
	logs := orch.Store().Snapshot().Logs
	require.Len(t, logs, 1)
	assert.Equal(t, "fast log", logs[0].Content)
}

func TestMislabelledStatusResponseIsRejected(t *testing.T) {
	orch, err := New(Options{Backend: &fakeBackend{}})
	require.NoError(t, err)
	defer orch.Close()

	err = orch.Initialize(context.Background(), "mislabelled")
	require.Error(t, err)
	assert.True(t, errors.Is(err, dferrors.ErrParse))
	assert.Equal(t, deck.HookError, orch.Status())
}

func TestNewRequiresBackend(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "backend"))
}

func TestTransitionTable(t *testing.T) {
	allowed := [][2]deck.HookStatus{
		{deck.HookIdle, deck.HookChecking},
		{deck.HookChecking, deck.HookStreaming},
		{deck.HookChecking, deck.HookLoadingHistory},
		{deck.HookChecking, deck.HookError},
		{deck.HookLoadingHistory, deck.HookStreaming},
		{deck.HookLoadingHistory, deck.HookReady},
		{deck.HookStreaming, deck.HookReady},
		{deck.HookStreaming, deck.HookError},
		{deck.HookError, deck.HookChecking},
		{deck.HookReady, deck.HookIdle},
	}
	for _, edge := range allowed {
		assert.True(t, canTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}
	denied := [][2]deck.HookStatus{
		{deck.HookIdle, deck.HookStreaming},
		{deck.HookIdle, deck.HookReady},
		{deck.HookStreaming, deck.HookChecking},
		{deck.HookReady, deck.HookChecking},
		{deck.HookStreaming, deck.HookLoadingHistory},
	}
	for _, edge := range denied {
		assert.False(t, canTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}
}

func TestRunMetricsRecorded(t *testing.T) {
	h := newHarness(t, nil, mockserver.Scenario{ArtifactID: "deck-m", Status: "completed"})
	require.NoError(t, h.orch.Initialize(context.Background(), "deck-m"))

	metrics := h.orch.opts.RunMetrics
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.runsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.historyReloads.WithLabelValues("initial", "ok")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.runDuration))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if labels[pair.GetName()] != pair.GetValue() {
					continue metrics
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}
