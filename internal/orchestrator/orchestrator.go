// Package orchestrator drives one presentation session: it resolves the
// backend status, triggers generation, loads history, attaches the stream
// and exposes the lifecycle to consumers.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"deckflow/internal/backend"
	"deckflow/internal/deck"
	"deckflow/internal/deck/reconciler"
	"deckflow/internal/deck/store"
	"deckflow/internal/logging"
	"deckflow/internal/observability"
	"deckflow/internal/stream"
)

// ErrNoSession is returned by operations that need an active artifact.
var ErrNoSession = errors.New("no active session")

// Backend is the REST surface the orchestrator needs. *backend.Client
// implements it.
type Backend interface {
	ResolveStatus(ctx context.Context, artifactID string) (backend.StatusResult, error)
	Start(ctx context.Context, artifactID string) error
	FetchHistory(ctx context.Context, artifactID string) (deck.History, error)
	SendMessage(ctx context.Context, artifactID, content string) error
}

// Options wires an Orchestrator.
type Options struct {
	Backend Backend
	// Stream is a template; ArtifactID and OnState are set per run, and
	// Logger, Metrics and Tracer fall back to the orchestrator's.
	Stream stream.Options
	// Reconcile is a template; ArtifactID is filled in per run.
	Reconcile reconciler.Options
	// StatusWatchInterval enables the status poller while settled.
	StatusWatchInterval time.Duration

	Logger     logging.Logger
	Metrics    *observability.Metrics
	RunMetrics *Metrics
	Tracer     trace.Tracer
}

// View is the consumer-facing summary of the session.
type View struct {
	ArtifactID       string
	Phase            deck.Phase
	CompletedPhases  []deck.Phase
	Status           deck.HookStatus
	DomainStatus     deck.DomainStatus
	Error            string
	ChannelConnected bool
	Version          uint64
}

// Orchestrator owns the session lifecycle for one artifact at a time.
type Orchestrator struct {
	opts   Options
	logger logging.Logger
	tracer trace.Tracer
	store  *store.Store

	// lifecycle serializes Initialize, Reset, Retry and Close.
	lifecycle sync.Mutex

	mu        sync.Mutex
	run       *run
	status    deck.HookStatus
	errMsg    string
	connected bool
	nextToken uint64

	subsMu  sync.Mutex
	subs    map[int]chan View
	nextSub int
	closed  bool
}

// New creates an idle orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Backend == nil {
		return nil, errors.New("orchestrator: backend is required")
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = observability.NoopTracer()
	}
	return &Orchestrator{
		opts:   opts,
		logger: logging.OrComponent(opts.Logger, "orchestrator"),
		tracer: tracer,
		store:  store.New(),
		status: deck.HookIdle,
		subs:   make(map[int]chan View),
	}, nil
}

// Store exposes the presentation store. Consumers only read from it.
func (o *Orchestrator) Store() *store.Store {
	return o.store
}

// Initialize starts a session for artifactID. It is a no-op when that
// artifact is already active. The status check, start and history load run
// before it returns; streaming continues in the background.
func (o *Orchestrator) Initialize(ctx context.Context, artifactID string) error {
	artifactID = strings.TrimSpace(artifactID)
	if artifactID == "" {
		return errors.New("artifact id is required")
	}

	o.lifecycle.Lock()
	o.mu.Lock()
	active := o.run != nil && o.run.artifactID == artifactID
	o.mu.Unlock()
	if active {
		o.lifecycle.Unlock()
		o.logger.Debug("initialize %s: already active", artifactID)
		return nil
	}
	r := o.replaceRun(ctx, artifactID)
	o.lifecycle.Unlock()

	return r.check(ctx)
}

// Reset wipes the current session and starts over with artifactID, even when
// it is the same artifact.
func (o *Orchestrator) Reset(ctx context.Context, artifactID string) error {
	artifactID = strings.TrimSpace(artifactID)
	if artifactID == "" {
		return errors.New("artifact id is required")
	}
	o.lifecycle.Lock()
	r := o.replaceRun(ctx, artifactID)
	o.lifecycle.Unlock()

	return r.check(ctx)
}

// Retry re-resolves the status of a session in Error with a wiped store.
func (o *Orchestrator) Retry(ctx context.Context) error {
	o.lifecycle.Lock()
	o.mu.Lock()
	current, status := o.run, o.status
	o.mu.Unlock()
	if current == nil {
		o.lifecycle.Unlock()
		return ErrNoSession
	}
	if status != deck.HookError {
		o.lifecycle.Unlock()
		o.logger.Debug("retry ignored in state %s", status)
		return nil
	}
	o.logger.Info("retrying session %s", current.artifactID)
	r := o.replaceRun(ctx, current.artifactID)
	o.lifecycle.Unlock()

	return r.check(ctx)
}

// Close tears down the active run and closes every subscription.
func (o *Orchestrator) Close() {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.Lock()
	old := o.run
	o.run = nil
	o.mu.Unlock()
	if old != nil {
		old.stop()
	}

	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	for id, ch := range o.subs {
		close(ch)
		delete(o.subs, id)
	}
}

// replaceRun stops the previous run, waits for its goroutines, wipes the
// store and installs a fresh run in Idle. Callers hold o.lifecycle.
func (o *Orchestrator) replaceRun(ctx context.Context, artifactID string) *run {
	o.mu.Lock()
	old := o.run
	o.run = nil
	o.mu.Unlock()
	if old != nil {
		old.stop()
	}

	o.store.Apply(store.Reset{ArtifactID: artifactID})

	o.mu.Lock()
	o.nextToken++
	r := newRun(o, ctx, artifactID, o.nextToken)
	o.run = r
	from := o.status
	o.status = deck.HookIdle
	o.errMsg = ""
	o.connected = false
	o.mu.Unlock()

	if from != deck.HookIdle {
		o.opts.Metrics.ObserveTransition(string(from), string(deck.HookIdle))
	}
	o.logger.Info("session %s: run %d starts from %s", artifactID, r.token, from)
	r.startPoller()
	o.publish()
	return r
}

// current reports whether r is still the active run.
func (o *Orchestrator) current(r *run) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run == r
}

// setStatus moves r's session to next. Stale runs and edges outside the
// transition table are refused.
func (o *Orchestrator) setStatus(r *run, next deck.HookStatus, errMsg string) bool {
	o.mu.Lock()
	if o.run != r {
		o.mu.Unlock()
		return false
	}
	from := o.status
	if from == next {
		o.mu.Unlock()
		return true
	}
	if !canTransition(from, next) {
		o.mu.Unlock()
		o.logger.Warn("session %s: %v", r.artifactID, transitionError{from: from, to: next})
		return false
	}
	o.status = next
	if next == deck.HookError {
		o.errMsg = errMsg
	} else {
		o.errMsg = ""
	}
	o.mu.Unlock()

	hook := next
	o.store.Apply(store.SessionDelta{HookStatus: &hook})
	o.opts.Metrics.ObserveTransition(string(from), string(next))
	o.logger.Info("session %s: %s -> %s", r.artifactID, from, next)
	r.trackActivity(from, next)
	o.publish()
	return true
}

func (o *Orchestrator) setConnected(r *run, up bool) {
	o.mu.Lock()
	if o.run != r || o.connected == up {
		o.mu.Unlock()
		return
	}
	o.connected = up
	o.mu.Unlock()
	o.publish()
}

// Status returns the lifecycle state.
func (o *Orchestrator) Status() deck.HookStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// View builds the consumer summary from the store and lifecycle state.
func (o *Orchestrator) View() View {
	snapshot := o.store.Snapshot()

	o.mu.Lock()
	view := View{
		Status:           o.status,
		Error:            o.errMsg,
		ChannelConnected: o.connected,
	}
	if o.run != nil {
		view.ArtifactID = o.run.artifactID
	}
	o.mu.Unlock()

	if view.ArtifactID == "" {
		view.ArtifactID = snapshot.Session.ArtifactID
	}
	view.Phase = snapshot.View.CurrentPhase
	view.CompletedPhases = snapshot.View.CompletedPhases
	view.DomainStatus = snapshot.Session.DomainStatus
	view.Version = snapshot.Version
	return view
}

// Subscribe streams a View after every change. Slow readers only miss
// intermediate views; the latest one is always delivered. The returned
// func cancels the subscription.
func (o *Orchestrator) Subscribe() (<-chan View, func()) {
	ch := make(chan View, 16)

	o.subsMu.Lock()
	if o.closed {
		o.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	ch <- o.View()
	o.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.subsMu.Lock()
			defer o.subsMu.Unlock()
			if existing, ok := o.subs[id]; ok {
				delete(o.subs, id)
				close(existing)
			}
		})
	}
}

func (o *Orchestrator) publish() {
	view := o.View()

	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- view:
			continue
		default:
		}
		// Full: drop the oldest view so the newest one fits.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- view:
		default:
		}
	}
}
