// Package store holds the presentation state for one artifact. All mutation
// goes through Apply; readers take copies through Snapshot.
package store

import (
	"sync"

	"deckflow/internal/deck"
)

// Store maintains logs, slides, session metadata and the derived view.
type Store struct {
	mu        sync.RWMutex
	session   deck.Session
	logs      []deck.LogEntry
	slides    []deck.SlideEntry
	completed map[deck.Phase]struct{}
	view      deck.DerivedView
	version   uint64
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		session:   deck.Session{HookStatus: deck.HookIdle},
		completed: make(map[deck.Phase]struct{}),
	}
}

// Update represents a mutation applied to the Store. apply reports whether
// anything observable changed.
type Update interface {
	apply(store *Store) bool
}

// Apply mutates the store and recomputes the derived view when the update
// changed something. It returns whether state changed.
func (s *Store) Apply(update Update) bool {
	if update == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !update.apply(s) {
		return false
	}
	s.recompute()
	s.version++
	return true
}

// Snapshot is a detached copy of the store.
type Snapshot struct {
	Session deck.Session
	Logs    []deck.LogEntry
	Slides  []deck.SlideEntry
	View    deck.DerivedView
	Version uint64
}

// Snapshot copies the current state so callers never share backing arrays.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := Snapshot{
		Session: s.session,
		Logs:    make([]deck.LogEntry, len(s.logs)),
		Slides:  make([]deck.SlideEntry, len(s.slides)),
		View: deck.DerivedView{
			CurrentPhase:    s.view.CurrentPhase,
			CompletedPhases: append([]deck.Phase(nil), s.view.CompletedPhases...),
		},
		Version: s.version,
	}
	for i, entry := range s.logs {
		snapshot.Logs[i] = entry.Clone()
	}
	copy(snapshot.Slides, s.slides)
	return snapshot
}

// Session returns the session metadata only.
func (s *Store) Session() deck.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// View returns the derived view only.
func (s *Store) View() deck.DerivedView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deck.DerivedView{
		CurrentPhase:    s.view.CurrentPhase,
		CompletedPhases: append([]deck.Phase(nil), s.view.CompletedPhases...),
	}
}

// Version increments on every effective mutation.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// SlideByPosition returns the slide at the 1-based position.
func (snapshot Snapshot) SlideByPosition(position int) (deck.SlideEntry, bool) {
	if position < 1 || position > len(snapshot.Slides) {
		return deck.SlideEntry{}, false
	}
	slide := snapshot.Slides[position-1]
	if slide.Position != position {
		// Positions are contiguous from 1, so this only happens on corruption.
		for _, candidate := range snapshot.Slides {
			if candidate.Position == position {
				return candidate, true
			}
		}
		return deck.SlideEntry{}, false
	}
	return slide, true
}

// SlideByID finds a slide by its backend id.
func (snapshot Snapshot) SlideByID(id string) (deck.SlideEntry, bool) {
	if id == "" {
		return deck.SlideEntry{}, false
	}
	for _, slide := range snapshot.Slides {
		if slide.ID == id {
			return slide, true
		}
	}
	return deck.SlideEntry{}, false
}
