package orchestrator

import (
	"fmt"

	"deckflow/internal/deck"
)

// transitions lists the lifecycle edges a session may take. Reset to Idle is
// allowed from every state and handled separately.
var transitions = map[deck.HookStatus][]deck.HookStatus{
	deck.HookIdle:           {deck.HookChecking},
	deck.HookChecking:       {deck.HookStreaming, deck.HookLoadingHistory, deck.HookError},
	deck.HookLoadingHistory: {deck.HookStreaming, deck.HookReady, deck.HookError},
	deck.HookStreaming:      {deck.HookReady, deck.HookError},
	// Status observed after the run settled: a follow-up or an external restart.
	deck.HookReady: {deck.HookStreaming, deck.HookLoadingHistory, deck.HookError},
	deck.HookError: {deck.HookChecking, deck.HookStreaming, deck.HookLoadingHistory, deck.HookReady},
}

func canTransition(from, to deck.HookStatus) bool {
	if to == deck.HookIdle {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type transitionError struct {
	from, to deck.HookStatus
}

func (e transitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.from, e.to)
}

// settled reports states in which no channel is attached and the status
// poller may act.
func settled(status deck.HookStatus) bool {
	return status == deck.HookReady || status == deck.HookError
}
