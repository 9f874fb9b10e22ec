package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"deckflow/internal/async"
	"deckflow/internal/backend"
	"deckflow/internal/deck"
	"deckflow/internal/deck/fragment"
	"deckflow/internal/deck/reconciler"
	"deckflow/internal/deck/store"
	dferrors "deckflow/internal/errors"
	"deckflow/internal/logging"
	"deckflow/internal/observability"
	"deckflow/internal/stream"
)

// run is one session attempt for one artifact. Every goroutine it starts is
// tracked by wg, and stop waits for all of them, so a replaced run can never
// touch the store again.
type run struct {
	o          *Orchestrator
	artifactID string
	token      uint64
	logger     logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	starter *backend.Starter
	rec     *reconciler.Reconciler

	// followMu serializes status handling between check, the poller and
	// external observers.
	followMu sync.Mutex

	mu        sync.Mutex
	stopped   bool
	channel   *stream.Channel
	active    bool
	startedAt time.Time
}

func newRun(o *Orchestrator, parent context.Context, artifactID string, token uint64) *run {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	ctx = observability.ContextWithArtifactID(ctx, artifactID)

	recOpts := o.opts.Reconcile
	recOpts.ArtifactID = artifactID
	if recOpts.Logger == nil {
		recOpts.Logger = o.opts.Logger
	}
	recOpts.Logger = logging.WithArtifact(logging.OrComponent(recOpts.Logger, "reconciler"), artifactID)
	if recOpts.Metrics == nil {
		recOpts.Metrics = o.opts.Metrics
	}

	return &run{
		o:          o,
		artifactID: artifactID,
		token:      token,
		logger:     o.logger,
		ctx:        ctx,
		cancel:     cancel,
		starter:    backend.NewStarter(o.opts.Backend, o.opts.Logger),
		rec:        reconciler.New(o.store, recOpts),
	}
}

// enter registers a unit of work unless the run is already stopping.
func (r *run) enter() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.wg.Add(1)
	return true
}

// stop cancels the run and waits until every goroutine it owns has exited.
func (r *run) stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.channel = nil
	if r.active {
		r.active = false
		r.o.opts.RunMetrics.RunSettled("cancelled", time.Since(r.startedAt))
	}
}

// requestContext derives a context cancelled by either the caller or the run.
func (r *run) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ctx = observability.ContextWithArtifactID(ctx, r.artifactID)
	stopAfter := context.AfterFunc(r.ctx, cancel)
	return ctx, func() {
		stopAfter()
		cancel()
	}
}

func (r *run) trackActivity(from, next deck.HookStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if settled(next) {
		if r.active {
			r.active = false
			r.o.opts.RunMetrics.RunSettled(string(next), time.Since(r.startedAt))
		}
		return
	}
	if !r.active {
		r.active = true
		r.startedAt = time.Now()
		r.o.opts.RunMetrics.RunStarted()
	}
}

func (r *run) attached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channel != nil
}

// check is the Idle -> Checking step and whatever the resolved status leads to.
func (r *run) check(ctx context.Context) (err error) {
	if !r.enter() {
		return nil
	}
	defer r.wg.Done()

	reqCtx, cancel := r.requestContext(ctx)
	defer cancel()
	reqCtx, span := observability.StartSpan(reqCtx, r.o.tracer, observability.SpanSessionRun,
		attribute.String(observability.AttrArtifactID, r.artifactID))
	defer func() { observability.EndSpan(span, err) }()

	if !r.o.setStatus(r, deck.HookChecking, "") {
		return nil
	}
	result, err := r.o.opts.Backend.ResolveStatus(reqCtx, r.artifactID)
	if !r.o.current(r) {
		r.logger.Debug("discarding status response for replaced session %s", r.artifactID)
		return nil
	}
	if err != nil {
		r.fail(err)
		return err
	}
	if result.ArtifactID != r.artifactID {
		err = dferrors.NewParseError("status", r.artifactID, fmt.Errorf("response tagged for %q", result.ArtifactID))
		r.fail(err)
		return err
	}
	span.SetAttributes(attribute.String(observability.AttrStatus, string(result.Status)))

	r.followMu.Lock()
	defer r.followMu.Unlock()
	return r.follow(reqCtx, result.Status, result.Error, "initial")
}

// follow moves the session to wherever status leads. Callers hold followMu.
func (r *run) follow(ctx context.Context, status deck.DomainStatus, failure, reason string) error {
	r.applyDomainStatus(status)
	if r.attached() {
		return nil
	}

	switch status {
	case deck.StatusQueued:
		// A failed start is logged by the starter and never fails the session.
		_, _ = r.starter.Start(ctx, r.artifactID, false)
		r.attach()
		return nil

	case deck.StatusProcessing:
		if !r.o.setStatus(r, deck.HookLoadingHistory, "") {
			return nil
		}
		if err := r.loadHistory(ctx, reason); err != nil {
			r.fail(err)
			return err
		}
		r.attach()
		return nil

	case deck.StatusCompleted:
		if r.o.Status() == deck.HookReady {
			return nil
		}
		if !r.o.setStatus(r, deck.HookLoadingHistory, "") {
			return nil
		}
		if err := r.loadHistory(ctx, reason); err != nil {
			r.fail(err)
			return err
		}
		r.o.setStatus(r, deck.HookReady, "")
		return nil

	case deck.StatusFailed:
		if r.o.Status() == deck.HookError {
			return nil
		}
		err := dferrors.NewTerminalFailure(r.artifactID, failure)
		r.fail(err)
		return err
	}
	return nil
}

func (r *run) applyDomainStatus(status deck.DomainStatus) {
	if status == deck.StatusUnknown || !r.o.current(r) {
		return
	}
	if r.o.store.Apply(store.SessionDelta{DomainStatus: &status}) {
		r.o.publish()
	}
}

func (r *run) fail(err error) {
	if !r.o.current(r) {
		return
	}
	r.logger.Warn("session %s: %v", r.artifactID, err)
	r.o.setStatus(r, deck.HookError, dferrors.UserMessage(err))
}

// loadHistory fetches and merges history. Replaying over existing state is
// safe because merges are idempotent.
func (r *run) loadHistory(ctx context.Context, reason string) error {
	history, err := r.o.opts.Backend.FetchHistory(ctx, r.artifactID)
	r.o.opts.RunMetrics.ObserveHistoryLoad(reason, err)
	if err != nil {
		return err
	}
	if !r.o.current(r) {
		r.logger.Debug("discarding history for replaced session %s", r.artifactID)
		return nil
	}
	if changed := r.rec.Load(history); changed > 0 {
		r.logger.Debug("history for %s: %d changes", r.artifactID, changed)
		r.o.publish()
	}
	return nil
}

// attach starts the stream channel unless one is already running.
func (r *run) attach() {
	r.mu.Lock()
	if r.stopped || r.channel != nil {
		r.mu.Unlock()
		return
	}
	opts := r.o.opts.Stream
	opts.ArtifactID = r.artifactID
	if opts.Logger == nil {
		opts.Logger = r.o.opts.Logger
	}
	if opts.Metrics == nil {
		opts.Metrics = r.o.opts.Metrics
	}
	if opts.Tracer == nil {
		opts.Tracer = r.o.tracer
	}
	opts.OnState = func(state stream.State) {
		r.o.setConnected(r, state == stream.StateConnected || state == stream.StateStreaming)
	}
	ch := stream.New(opts)
	r.channel = ch
	r.wg.Add(1)
	r.mu.Unlock()

	r.o.setStatus(r, deck.HookStreaming, "")

	sink := &attachment{r: r, ch: ch}
	async.Go(r.logger, "orchestrator.stream", func() {
		defer r.wg.Done()
		err := ch.Run(r.ctx, sink)
		r.detach(ch)
		r.o.setConnected(r, false)
		if err != nil && r.ctx.Err() == nil {
			r.fail(err)
		}
	})
}

func (r *run) detach(ch *stream.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channel == ch {
		r.channel = nil
	}
}

func (r *run) applyFragment(env fragment.Envelope) {
	if !r.o.current(r) {
		return
	}
	outcome, err := r.rec.Apply(env)
	if err != nil {
		r.logger.Warn("session %s: dropping fragment: %v", r.artifactID, err)
		return
	}
	if outcome.Changed() {
		r.o.publish()
	}
}

// attachment is the stream sink for one channel of a run.
type attachment struct {
	r  *run
	ch *stream.Channel
}

func (a *attachment) OnHandshake(env fragment.Envelope) {
	a.r.applyFragment(env)
}

func (a *attachment) OnFragment(env fragment.Envelope) {
	a.r.applyFragment(env)
}

// OnReconnect reloads history so anything produced while disconnected is
// merged before live fragments resume.
func (a *attachment) OnReconnect(attempt int) {
	r := a.r
	r.logger.Info("session %s: reconnected (attempt %d), reloading history", r.artifactID, attempt)
	if err := r.loadHistory(r.ctx, "reconnect"); err != nil {
		r.logger.Warn("session %s: history reload failed: %v", r.artifactID, err)
	}
}

func (a *attachment) OnTerminal(env fragment.Envelope) {
	r := a.r
	r.applyFragment(env)
	r.detach(a.ch)
	if env.TerminalStatus() == deck.StatusFailed {
		r.fail(dferrors.NewTerminalFailure(r.artifactID, env.FailureReason()))
		return
	}
	r.o.setStatus(r, deck.HookReady, "")
}

// startPoller polls the backend while the session is settled so status
// changes made elsewhere are picked up.
func (r *run) startPoller() {
	interval := r.o.opts.StatusWatchInterval
	if interval <= 0 || !r.enter() {
		return
	}
	async.Go(r.logger, "orchestrator.poller", func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				r.poll()
			}
		}
	})
}

func (r *run) poll() {
	if !settled(r.o.Status()) || r.attached() || !r.o.current(r) {
		return
	}
	result, err := r.o.opts.Backend.ResolveStatus(r.ctx, r.artifactID)
	if err != nil {
		r.logger.Debug("status poll for %s failed: %v", r.artifactID, err)
		return
	}
	if result.Status == r.o.store.Session().DomainStatus {
		return
	}
	r.logger.Info("session %s: status changed to %s", r.artifactID, result.Status)
	_ = r.observe(r.ctx, result.Status, result.Error)
}

// observe handles a status reported from outside the check flow.
func (r *run) observe(ctx context.Context, status deck.DomainStatus, failure string) error {
	if !r.enter() {
		return nil
	}
	defer r.wg.Done()

	reqCtx, cancel := r.requestContext(ctx)
	defer cancel()

	r.followMu.Lock()
	defer r.followMu.Unlock()
	if r.o.Status() == deck.HookChecking || r.o.Status() == deck.HookIdle {
		// check will act on the status it resolves itself.
		r.applyDomainStatus(status)
		return nil
	}
	return r.follow(reqCtx, status, failure, "observed")
}
