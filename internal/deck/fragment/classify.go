package fragment

import (
	"strings"

	"deckflow/internal/deck"
)

// Kind is the classification of a fragment.
type Kind string

const (
	KindHandshake       Kind = "handshake"
	KindControl         Kind = "control"
	KindTerminal        Kind = "terminal"
	KindLog             Kind = "log"
	KindLogWithMetadata Kind = "log-with-metadata"
	KindWorkerLog       Kind = "worker-log"
	KindSlide           Kind = "slide"
	KindUnknown         Kind = "unknown"
)

// SlideAction selects how a slide fragment is merged.
type SlideAction string

const (
	ActionUpdate SlideAction = "update"
	ActionCreate SlideAction = "create"
	ActionInsert SlideAction = "insert"
)

var (
	terminalTypes = map[string]struct{}{
		"done": {}, "complete": {}, "completed": {}, "end": {}, "terminal": {}, "error": {}, "failed": {},
	}
	terminalStatuses = map[string]struct{}{
		"completed": {}, "complete": {}, "done": {}, "failed": {}, "error": {},
	}
	slideTypes = map[string]SlideAction{
		"slide":        "",
		"slide_update": ActionUpdate,
		"slide_create": ActionCreate,
		"slide_insert": ActionInsert,
	}
	workerTypes = map[string]struct{}{
		"worker": {}, "worker_log": {}, "worker_update": {},
	}
	logTypes = map[string]struct{}{
		"": {}, "log": {}, "message": {}, "chat": {}, "metadata": {},
	}
)

func norm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// IsHandshake reports whether the fragment carries session metadata for a new connection.
func (e Envelope) IsHandshake() bool {
	return norm(e.Type) == "handshake"
}

// IsControl reports keepalive traffic that carries no data.
func (e Envelope) IsControl() bool {
	switch norm(e.Type) {
	case "pong", "ping", "subscribed", "ack":
		return true
	}
	return false
}

// IsTerminal accepts every known encoding of "the pipeline finished".
func (e Envelope) IsTerminal() bool {
	if e.Done || e.Terminal {
		return true
	}
	if _, ok := terminalTypes[norm(e.Type)]; ok {
		return true
	}
	_, ok := terminalStatuses[norm(e.Status)]
	return ok
}

// TerminalStatus maps a terminal fragment onto completed or failed.
func (e Envelope) TerminalStatus() deck.DomainStatus {
	switch norm(e.Type) {
	case "error", "failed":
		return deck.StatusFailed
	}
	switch norm(e.Status) {
	case "failed", "error":
		return deck.StatusFailed
	}
	if strings.TrimSpace(e.Error) != "" {
		return deck.StatusFailed
	}
	return deck.StatusCompleted
}

// FailureReason is the message attached to a failed terminal fragment.
func (e Envelope) FailureReason() string {
	if reason := strings.TrimSpace(e.Error); reason != "" {
		return reason
	}
	return strings.TrimSpace(e.Content)
}

// IsSlide reports whether the fragment targets a slide.
func (e Envelope) IsSlide() bool {
	if e.Slide != nil || e.SlideNumber > 0 {
		return true
	}
	_, ok := slideTypes[norm(e.Type)]
	return ok
}

// SlideAction resolves the merge action; unspecified actions are updates.
func (e Envelope) SlideAction() SlideAction {
	raw := ""
	if e.Slide != nil {
		raw = e.Slide.Action
	}
	if strings.TrimSpace(raw) == "" {
		raw = e.Action
	}
	switch norm(raw) {
	case "insert", "insert_with_reorder", "reorder":
		return ActionInsert
	case "create", "add", "new":
		return ActionCreate
	case "update", "patch", "append":
		return ActionUpdate
	}
	if action := slideTypes[norm(e.Type)]; action != "" {
		return action
	}
	return ActionUpdate
}

// Classify buckets the fragment. isWorker reports whether an author is a
// configured worker identity; it may be nil.
func Classify(e Envelope, isWorker func(author string) bool) Kind {
	switch {
	case e.IsHandshake():
		return KindHandshake
	case e.IsControl():
		return KindControl
	case e.IsTerminal():
		return KindTerminal
	case e.IsSlide():
		return KindSlide
	}
	t := norm(e.Type)
	if _, ok := workerTypes[t]; ok || e.Worker {
		return KindWorkerLog
	}
	if isWorker != nil && e.Author != "" && isWorker(strings.TrimSpace(e.Author)) {
		return KindWorkerLog
	}
	if _, ok := logTypes[t]; !ok {
		return KindUnknown
	}
	if _, _, ok := e.MetadataValues(); ok {
		return KindLogWithMetadata
	}
	if strings.TrimSpace(e.Content) == "" && e.ID == "" && !e.PhaseComplete {
		return KindUnknown
	}
	return KindLog
}
