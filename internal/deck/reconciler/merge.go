package reconciler

import (
	"strings"
	"time"

	"deckflow/internal/deck"
	"deckflow/internal/deck/fragment"
	"deckflow/internal/deck/store"
)

func (r *Reconciler) mergeLog(entry deck.LogEntry) (Outcome, error) {
	return r.mergeLogEntry(entry, true)
}

// mergeLogEntry applies the log rules; fuzzy enables the time-windowed text
// match for confirmed user entries.
func (r *Reconciler) mergeLogEntry(entry deck.LogEntry, fuzzy bool) (Outcome, error) {
	author, ok := r.resolveAuthor(entry.Author)
	if !ok {
		return OutcomeDropped, nil
	}
	entry.Author = author
	if strings.TrimSpace(entry.Content) == "" && strings.TrimSpace(entry.Summary) == "" && !entry.PhaseComplete {
		return OutcomeIgnored, nil
	}
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = r.now()
	}

	snapshot := r.store.Snapshot()
	if entry.ID != "" {
		if idx := indexOf(snapshot.Logs, func(e deck.LogEntry) bool { return e.ID == entry.ID }); idx >= 0 {
			return r.replaceLog(idx, mergeLogFields(snapshot.Logs[idx], entry)), nil
		}
	}
	if !entry.Timestamp.IsZero() {
		if idx := indexOf(snapshot.Logs, func(e deck.LogEntry) bool {
			return e.Author == entry.Author && e.Timestamp.Equal(entry.Timestamp)
		}); idx >= 0 {
			return r.replaceLog(idx, mergeLogFields(snapshot.Logs[idx], entry)), nil
		}
	}

	if entry.Author == deck.AuthorUser && !entry.Pending {
		text := normalizeText(entry.Content)
		if idx := indexOf(snapshot.Logs, func(e deck.LogEntry) bool {
			return e.Author == deck.AuthorUser && e.Pending && normalizeText(e.Content) == text &&
				within(entry.ReceivedAt.Sub(e.ReceivedAt), r.opts.PendingWindow)
		}); idx >= 0 {
			confirmed := entry
			if confirmed.ID == "" {
				confirmed.ID = snapshot.Logs[idx].ID
			}
			confirmed.Pending = false
			return r.replaceLog(idx, confirmed), nil
		}
		if idx := indexOf(snapshot.Logs, func(e deck.LogEntry) bool {
			return fuzzy && e.Author == deck.AuthorUser && !e.Pending && normalizeText(e.Content) == text &&
				within(e.EffectiveTime().Sub(entry.EffectiveTime()), r.opts.UserDedupWindow)
		}); idx >= 0 {
			return OutcomeDuplicate, nil
		}
	}

	// Without id or timestamp the only stable key left is the content itself.
	if entry.ID == "" && entry.Timestamp.IsZero() && entry.Author != deck.AuthorUser {
		if idx := indexOf(snapshot.Logs, func(e deck.LogEntry) bool {
			return !e.Worker && e.Author == entry.Author && e.Phase == entry.Phase && e.Content == entry.Content
		}); idx >= 0 {
			return OutcomeDuplicate, nil
		}
	}

	r.store.Apply(store.AppendLog{Entry: entry})
	return OutcomeApplied, nil
}

// AddPending records an optimistic user entry before the backend confirms it.
func (r *Reconciler) AddPending(entry deck.LogEntry) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry.Author = deck.AuthorUser
	entry.Pending = true
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = r.now()
	}
	snapshot := r.store.Snapshot()
	if entry.ID != "" && indexOf(snapshot.Logs, func(e deck.LogEntry) bool { return e.ID == entry.ID }) >= 0 {
		return OutcomeDuplicate
	}
	r.store.Apply(store.AppendLog{Entry: entry})
	return OutcomeApplied
}

func (r *Reconciler) resolveAuthor(raw string) (string, bool) {
	author := strings.TrimSpace(raw)
	if author == "" || strings.EqualFold(author, deck.AuthorUnknown) {
		if r.opts.DropUnknownAuthors {
			return "", false
		}
		return deck.AuthorUnknown, true
	}
	if strings.EqualFold(author, deck.AuthorUser) {
		return deck.AuthorUser, true
	}
	return author, true
}

func (r *Reconciler) replaceLog(idx int, merged deck.LogEntry) Outcome {
	if r.store.Apply(store.ReplaceLog{Index: idx, Entry: merged}) {
		return OutcomeMerged
	}
	return OutcomeDuplicate
}

// mergeLogFields overlays populated fields of in onto existing. Arrival time
// and identity of the existing entry are kept.
func mergeLogFields(existing, in deck.LogEntry) deck.LogEntry {
	out := existing.Clone()
	if out.ID == "" {
		out.ID = in.ID
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = in.Timestamp
	}
	if in.Phase != "" {
		out.Phase = in.Phase
	}
	out.PhaseComplete = out.PhaseComplete || in.PhaseComplete
	if in.Content != "" {
		out.Content = in.Content
	}
	if in.Summary != "" {
		out.Summary = in.Summary
	}
	out.Links = unionLinks(out.Links, in.Links)
	if !in.Pending {
		out.Pending = false
	}
	return out
}

func (r *Reconciler) mergeWorker(entry deck.LogEntry) (Outcome, error) {
	author, ok := r.resolveAuthor(entry.Author)
	if !ok {
		return OutcomeDropped, nil
	}
	entry.Author = author
	entry.Worker = true
	entry.Pending = false
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = r.now()
	}

	snapshot := r.store.Snapshot()
	idx := indexOf(snapshot.Logs, func(e deck.LogEntry) bool { return e.Worker && e.Author == author })
	if idx < 0 {
		if entry.Content == "" && entry.Summary == "" && len(entry.Links) == 0 && !entry.PhaseComplete {
			return OutcomeIgnored, nil
		}
		entry.Links = unionLinks(nil, entry.Links)
		r.store.Apply(store.AppendLog{Entry: entry})
		return OutcomeApplied, nil
	}

	merged := mergeLogFields(snapshot.Logs[idx], entry)
	if entry.Timestamp.After(merged.Timestamp) {
		merged.Timestamp = entry.Timestamp
	}
	return r.replaceLog(idx, merged), nil
}

// unionLinks keeps existing order, appends unseen URLs and fills blank titles.
func unionLinks(existing, incoming []deck.Link) []deck.Link {
	if len(incoming) == 0 {
		return existing
	}
	out := append([]deck.Link(nil), existing...)
	index := make(map[string]int, len(out))
	for i, link := range out {
		index[link.URL] = i
	}
	for _, link := range incoming {
		if link.URL == "" {
			continue
		}
		if i, ok := index[link.URL]; ok {
			if out[i].Title == "" && link.Title != "" {
				out[i].Title = link.Title
			}
			continue
		}
		index[link.URL] = len(out)
		out = append(out, link)
	}
	return out
}

func (r *Reconciler) mergeSlide(slide deck.SlideEntry, action fragment.SlideAction) (Outcome, error) {
	snapshot := r.store.Snapshot()

	if action == fragment.ActionInsert || slide.Position < 1 {
		// An id already on record pins the slide; inserting again would duplicate it.
		if existing, ok := snapshot.SlideByID(slide.ID); ok {
			slide.Position = existing.Position
			return r.upsertSlide(snapshot, slide), nil
		}
	}
	if slide.Position < 1 {
		return OutcomeError, errInvalidSlide(slide.Position)
	}

	switch action {
	case fragment.ActionInsert:
		target, ok := snapshot.SlideByPosition(slide.Position)
		if !ok || target.IsPlaceholder() {
			return r.upsertSlide(snapshot, slide), nil
		}
		if slide.ID == "" && target.Thinking == slide.Thinking && target.Content == slide.Content {
			return OutcomeDuplicate, nil
		}
		r.store.Apply(store.InsertSlide{Slide: slide})
		return OutcomeApplied, nil
	default:
		// Create on an occupied position degrades to update; update on a
		// missing position creates it.
		return r.upsertSlide(snapshot, slide), nil
	}
}

func (r *Reconciler) upsertSlide(snapshot store.Snapshot, slide deck.SlideEntry) Outcome {
	existed := slide.Position <= len(snapshot.Slides)
	if !r.store.Apply(store.UpsertSlide{Slide: slide}) {
		return OutcomeDuplicate
	}
	if existed {
		return OutcomeMerged
	}
	return OutcomeApplied
}

func indexOf(logs []deck.LogEntry, match func(deck.LogEntry) bool) int {
	for i := len(logs) - 1; i >= 0; i-- {
		if match(logs[i]) {
			return i
		}
	}
	return -1
}

func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func within(d, window time.Duration) bool {
	if d < 0 {
		d = -d
	}
	return d <= window
}
