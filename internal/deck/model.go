// Package deck holds the domain model shared by the fragment codec, the
// presentation store and the reconciler.
package deck

import (
	"sort"
	"strings"
	"time"
)

// DomainStatus is the backend's view of a generation run.
type DomainStatus string

const (
	StatusUnknown    DomainStatus = ""
	StatusQueued     DomainStatus = "queued"
	StatusProcessing DomainStatus = "processing"
	StatusCompleted  DomainStatus = "completed"
	StatusFailed     DomainStatus = "failed"
)

// ParseDomainStatus normalizes the status spellings the backend emits.
func ParseDomainStatus(raw string) (DomainStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "pending", "waiting":
		return StatusQueued, true
	case "processing", "running", "in_progress", "generating", "started":
		return StatusProcessing, true
	case "completed", "complete", "done", "finished", "success":
		return StatusCompleted, true
	case "failed", "error", "errored", "cancelled", "canceled":
		return StatusFailed, true
	default:
		return StatusUnknown, false
	}
}

// Terminal reports whether no further fragments are expected.
func (s DomainStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// HookStatus is the client-side lifecycle state exposed to consumers.
type HookStatus string

const (
	HookIdle           HookStatus = "idle"
	HookChecking       HookStatus = "checking"
	HookLoadingHistory HookStatus = "loading_history"
	HookStreaming      HookStatus = "streaming"
	HookReady          HookStatus = "ready"
	HookError          HookStatus = "error"
)

// Phase tags a log entry with the pipeline stage that produced it.
type Phase string

const (
	PhasePlanning     Phase = "planning"
	PhaseResearch     Phase = "research"
	PhaseGeneration   Phase = "generation"
	PhaseFinalization Phase = "finalization"
)

var canonicalPhases = []Phase{PhasePlanning, PhaseResearch, PhaseGeneration, PhaseFinalization}

// Phases returns the canonical phase order.
func Phases() []Phase {
	return append([]Phase(nil), canonicalPhases...)
}

// NormalizePhase lowercases a phase tag and folds common aliases.
func NormalizePhase(raw string) Phase {
	p := strings.ToLower(strings.TrimSpace(raw))
	switch p {
	case "plan", "outline", "outlining":
		return PhasePlanning
	case "researching", "search":
		return PhaseResearch
	case "generate", "generating", "slides", "design":
		return PhaseGeneration
	case "finalize", "finalizing", "review", "export":
		return PhaseFinalization
	}
	return Phase(p)
}

// Rank is the canonical index of p, or -1 for non-canonical phases.
func (p Phase) Rank() int {
	for i, c := range canonicalPhases {
		if c == p {
			return i
		}
	}
	return -1
}

// SortPhases orders canonical phases first, then the rest alphabetically.
func SortPhases(phases []Phase) {
	sort.SliceStable(phases, func(i, j int) bool {
		ri, rj := phases[i].Rank(), phases[j].Rank()
		switch {
		case ri >= 0 && rj >= 0:
			return ri < rj
		case ri >= 0:
			return true
		case rj >= 0:
			return false
		default:
			return phases[i] < phases[j]
		}
	})
}

// Well-known authors.
const (
	AuthorUser    = "user"
	AuthorUnknown = "unknown"
)

// Session carries the per-artifact metadata.
type Session struct {
	ArtifactID   string
	UserID       string
	WorkerID     string
	DomainStatus DomainStatus
	HookStatus   HookStatus
	Title        string
	TotalSlides  int
}

// Link is a reference attached to a worker log.
type Link struct {
	URL   string
	Title string
}

// LogEntry is one line in the generation transcript.
type LogEntry struct {
	ID            string
	Author        string
	Timestamp     time.Time
	ReceivedAt    time.Time
	Phase         Phase
	PhaseComplete bool
	Content       string
	Summary       string
	Links         []Link
	Pending       bool
	Worker        bool
}

// Clone returns a deep copy.
func (e LogEntry) Clone() LogEntry {
	out := e
	if e.Links != nil {
		out.Links = append([]Link(nil), e.Links...)
	}
	return out
}

// EffectiveTime is the author timestamp when present, otherwise the arrival time.
func (e LogEntry) EffectiveTime() time.Time {
	if !e.Timestamp.IsZero() {
		return e.Timestamp
	}
	return e.ReceivedAt
}

// SlideEntry is one slide of the generated deck. Position is 1-based.
type SlideEntry struct {
	Position int
	ID       string
	Thinking string
	Content  string
}

// IsComplete reports whether both the reasoning and the rendered content arrived.
func (s SlideEntry) IsComplete() bool {
	return strings.TrimSpace(s.Thinking) != "" && strings.TrimSpace(s.Content) != ""
}

// IsPlaceholder reports whether the slide only reserves a position.
func (s SlideEntry) IsPlaceholder() bool {
	return s.ID == "" && s.Thinking == "" && s.Content == ""
}

// DerivedView is recomputed from logs and slides after every mutation.
type DerivedView struct {
	CurrentPhase    Phase
	CompletedPhases []Phase
}

// Completed reports whether p has been recorded as completed.
func (v DerivedView) Completed(p Phase) bool {
	for _, c := range v.CompletedPhases {
		if c == p {
			return true
		}
	}
	return false
}

// History is the parsed result of a history fetch.
type History struct {
	Status      DomainStatus
	Title       string
	TotalSlides int
	Logs        []LogEntry
	Slides      []SlideEntry
}
