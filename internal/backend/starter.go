package backend

import (
	"context"
	"sync"

	"deckflow/internal/logging"
)

// Trigger is the raw start call.
type Trigger interface {
	Start(ctx context.Context, artifactID string) error
}

// Starter gates the start call for one session run so re-entrant callers
// trigger generation at most once.
type Starter struct {
	trigger Trigger
	logger  logging.Logger

	mu     sync.Mutex
	called bool
	calls  int
}

// NewStarter wraps trigger with a fresh, untripped gate.
func NewStarter(trigger Trigger, logger logging.Logger) *Starter {
	return &Starter{trigger: trigger, logger: logging.OrComponent(logger, "starter")}
}

// Start triggers generation unless the gate is already tripped. skipGuard
// bypasses the gate for follow-up requests. It reports whether a call was
// made; a failed call releases the gate and is returned to the caller.
func (s *Starter) Start(ctx context.Context, artifactID string, skipGuard bool) (bool, error) {
	s.mu.Lock()
	if s.called && !skipGuard {
		s.mu.Unlock()
		s.logger.Debug("start for %s already issued; skipping", artifactID)
		return false, nil
	}
	s.called = true
	s.calls++
	s.mu.Unlock()

	if err := s.trigger.Start(ctx, artifactID); err != nil {
		s.mu.Lock()
		s.called = false
		s.mu.Unlock()
		s.logger.Warn("start for %s failed: %v", artifactID, err)
		return true, err
	}
	s.logger.Info("generation started for %s", artifactID)
	return true, nil
}

// Tripped reports whether a start has been issued and not released.
func (s *Starter) Tripped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.called
}

// Calls counts start attempts made through this gate.
func (s *Starter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
