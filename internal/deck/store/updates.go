package store

import (
	"slices"
	"strings"

	"deckflow/internal/deck"
)

// AppendLog appends a log entry in arrival order.
type AppendLog struct {
	Entry deck.LogEntry
}

func (u AppendLog) apply(store *Store) bool {
	store.logs = append(store.logs, u.Entry.Clone())
	return true
}

// ReplaceLog swaps the entry at Index. The reconciler resolves Index from a
// snapshot taken on the same goroutine, so it stays valid.
type ReplaceLog struct {
	Index int
	Entry deck.LogEntry
}

func (u ReplaceLog) apply(store *Store) bool {
	if u.Index < 0 || u.Index >= len(store.logs) {
		return false
	}
	if LogsEqual(store.logs[u.Index], u.Entry) {
		return false
	}
	store.logs[u.Index] = u.Entry.Clone()
	return true
}

// SessionDelta merges session metadata. Empty strings and nil pointers leave
// fields untouched.
type SessionDelta struct {
	ArtifactID   string
	UserID       string
	WorkerID     string
	Title        string
	TotalSlides  *int
	DomainStatus *deck.DomainStatus
	HookStatus   *deck.HookStatus
}

func (u SessionDelta) apply(store *Store) bool {
	before := store.session
	s := &store.session
	if v := strings.TrimSpace(u.ArtifactID); v != "" {
		s.ArtifactID = v
	}
	if v := strings.TrimSpace(u.UserID); v != "" {
		s.UserID = v
	}
	if v := strings.TrimSpace(u.WorkerID); v != "" {
		s.WorkerID = v
	}
	if v := strings.TrimSpace(u.Title); v != "" {
		s.Title = v
	}
	if u.TotalSlides != nil && *u.TotalSlides > 0 {
		s.TotalSlides = *u.TotalSlides
	}
	if u.DomainStatus != nil && *u.DomainStatus != deck.StatusUnknown {
		s.DomainStatus = *u.DomainStatus
	}
	if u.HookStatus != nil && *u.HookStatus != "" {
		s.HookStatus = *u.HookStatus
	}
	return before != *s
}

// UpsertSlide merges into the slide at Slide.Position, or appends it. Gaps
// before the position are filled with placeholders so positions stay contiguous.
type UpsertSlide struct {
	Slide deck.SlideEntry
}

func (u UpsertSlide) apply(store *Store) bool {
	pos := u.Slide.Position
	if pos < 1 {
		return false
	}
	if pos <= len(store.slides) {
		merged := MergeSlide(store.slides[pos-1], u.Slide)
		if merged == store.slides[pos-1] {
			return false
		}
		store.slides[pos-1] = merged
		return true
	}
	store.growTo(pos - 1)
	slide := u.Slide
	store.slides = append(store.slides, slide)
	return true
}

// InsertSlide places a new slide at an occupied position, shifting every slide
// at or after it up by one in a single pass.
type InsertSlide struct {
	Slide deck.SlideEntry
}

func (u InsertSlide) apply(store *Store) bool {
	pos := u.Slide.Position
	if pos < 1 {
		return false
	}
	if pos > len(store.slides) {
		return UpsertSlide(u).apply(store)
	}
	for i := pos - 1; i < len(store.slides); i++ {
		store.slides[i].Position++
	}
	store.slides = slices.Insert(store.slides, pos-1, u.Slide)
	return true
}

// Batch applies several updates under one lock and one recomputation.
type Batch []Update

func (b Batch) apply(store *Store) bool {
	changed := false
	for _, u := range b {
		if u != nil && u.apply(store) {
			changed = true
		}
	}
	return changed
}

// Reset clears all state and rebinds the store to ArtifactID.
type Reset struct {
	ArtifactID string
}

func (u Reset) apply(store *Store) bool {
	store.session = deck.Session{ArtifactID: u.ArtifactID, HookStatus: deck.HookIdle}
	store.logs = nil
	store.slides = nil
	store.completed = make(map[deck.Phase]struct{})
	return true
}

func (s *Store) growTo(n int) {
	for len(s.slides) < n {
		s.slides = append(s.slides, deck.SlideEntry{Position: len(s.slides) + 1})
	}
}

// MergeSlide overlays the populated fields of incoming onto existing without
// blanking anything. The position of existing wins.
func MergeSlide(existing, incoming deck.SlideEntry) deck.SlideEntry {
	out := existing
	if existing.ID == "" && incoming.ID != "" {
		out.ID = incoming.ID
	}
	if incoming.Thinking != "" {
		out.Thinking = incoming.Thinking
	}
	if incoming.Content != "" {
		out.Content = incoming.Content
	}
	return out
}

// LogsEqual compares two log entries field by field.
func LogsEqual(a, b deck.LogEntry) bool {
	if a.ID != b.ID || a.Author != b.Author || !a.Timestamp.Equal(b.Timestamp) ||
		!a.ReceivedAt.Equal(b.ReceivedAt) || a.Phase != b.Phase ||
		a.PhaseComplete != b.PhaseComplete || a.Content != b.Content ||
		a.Summary != b.Summary || a.Pending != b.Pending || a.Worker != b.Worker {
		return false
	}
	return slices.Equal(a.Links, b.Links)
}
