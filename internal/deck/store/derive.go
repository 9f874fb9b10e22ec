package store

import "deckflow/internal/deck"

// recompute rebuilds the derived view. Completed phases are the union of the
// previous set and the phases implied by the current logs and slides.
func (s *Store) recompute() {
	current := deck.Phase("")
	for i := len(s.logs) - 1; i >= 0; i-- {
		if s.logs[i].Phase != "" {
			current = s.logs[i].Phase
			break
		}
	}
	// Slides pin the phase to generation, but a finalization log moves past it.
	if len(s.slides) > 0 && current.Rank() <= deck.PhaseGeneration.Rank() {
		current = deck.PhaseGeneration
	}

	mark := func(p deck.Phase) {
		if p != "" {
			s.completed[p] = struct{}{}
		}
	}
	for _, entry := range s.logs {
		if entry.Phase == "" {
			continue
		}
		if rank := entry.Phase.Rank(); rank > 0 {
			for _, earlier := range deck.Phases()[:rank] {
				mark(earlier)
			}
		}
		if entry.PhaseComplete {
			mark(entry.Phase)
		}
	}
	if len(s.slides) > 0 {
		mark(deck.PhasePlanning)
		mark(deck.PhaseResearch)
	}
	if total := s.session.TotalSlides; total > 0 && len(s.slides) >= total {
		done := true
		for _, slide := range s.slides[:total] {
			if !slide.IsComplete() {
				done = false
				break
			}
		}
		if done {
			mark(deck.PhaseGeneration)
		}
	}
	if s.session.DomainStatus == deck.StatusCompleted {
		for _, p := range deck.Phases() {
			mark(p)
		}
	}

	phases := make([]deck.Phase, 0, len(s.completed))
	for p := range s.completed {
		phases = append(phases, p)
	}
	deck.SortPhases(phases)
	s.view = deck.DerivedView{CurrentPhase: current, CompletedPhases: phases}
}
