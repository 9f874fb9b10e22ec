package orchestrator

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"deckflow/internal/deck"
)

func (o *Orchestrator) activeRun() *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run
}

// ObserveStatus reconciles a status change reported from outside, such as a
// push notification or the poller, without repeating Checking. A queued
// status re-arms generation only when this run's start gate is still open.
func (o *Orchestrator) ObserveStatus(ctx context.Context, status deck.DomainStatus) error {
	r := o.activeRun()
	if r == nil {
		return ErrNoSession
	}
	return r.observe(ctx, status, "")
}

// SubmitFollowUp sends a follow-up request for the active artifact. The
// message shows up right away as a pending user entry, which the confirmed
// copy from the backend later replaces.
func (o *Orchestrator) SubmitFollowUp(ctx context.Context, text string) (err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("follow-up text is empty")
	}
	r := o.activeRun()
	if r == nil || !r.enter() {
		return ErrNoSession
	}
	defer r.wg.Done()
	defer func() { o.opts.RunMetrics.ObserveFollowUp(err) }()

	reqCtx, cancel := r.requestContext(ctx)
	defer cancel()

	entry := deck.LogEntry{
		ID:      uuid.NewString(),
		Author:  deck.AuthorUser,
		Content: text,
	}
	if r.rec.AddPending(entry).Changed() {
		o.publish()
	}

	if err := o.opts.Backend.SendMessage(reqCtx, r.artifactID, text); err != nil {
		o.logger.Warn("follow-up for %s failed: %v", r.artifactID, err)
		return err
	}
	// A failed start is logged by the starter; the status observation below
	// still attaches so the request is not lost if the backend starts it.
	_, _ = r.starter.Start(reqCtx, r.artifactID, true)

	return r.observe(reqCtx, deck.StatusQueued, "")
}
