// Package reconciler merges classified fragments into a presentation store.
// Every decision reads a fresh snapshot; nothing is cached between fragments
// except the digest set used to short-circuit exact re-deliveries.
package reconciler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"deckflow/internal/deck"
	"deckflow/internal/deck/fragment"
	"deckflow/internal/deck/store"
	dferrors "deckflow/internal/errors"
	"deckflow/internal/logging"
	"deckflow/internal/observability"
)

const (
	defaultUserDedupWindow = 8 * time.Second
	defaultDedupCacheSize  = 2048
	defaultDedupTTL        = 10 * time.Minute
	defaultPendingWindow   = 2 * time.Minute
)

// Outcome describes what a merge did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeMerged    Outcome = "merged"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeDropped   Outcome = "dropped"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeError     Outcome = "error"
)

// Changed reports whether the store was mutated.
func (o Outcome) Changed() bool {
	return o == OutcomeApplied || o == OutcomeMerged
}

// Options tunes merge policy.
type Options struct {
	// ArtifactID, when set, drops fragments tagged for a different artifact.
	ArtifactID         string
	UserDedupWindow    time.Duration
	// PendingWindow bounds how long an optimistic user entry can still be
	// confirmed by a matching backend entry.
	PendingWindow      time.Duration
	DropUnknownAuthors bool
	WorkerAuthors      []string
	DedupCacheSize     int
	DedupTTL           time.Duration
	Logger             logging.Logger
	Metrics            *observability.Metrics
	Now                func() time.Time
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		UserDedupWindow:    defaultUserDedupWindow,
		PendingWindow:      defaultPendingWindow,
		DropUnknownAuthors: true,
		DedupCacheSize:     defaultDedupCacheSize,
		DedupTTL:           defaultDedupTTL,
	}
}

// Reconciler applies fragments to one Store. Apply and Load serialize on an
// internal mutex so at most one merge decision is in flight.
type Reconciler struct {
	mu      sync.Mutex
	store   *store.Store
	opts    Options
	workers map[string]struct{}
	seen    *lru.Cache[string, time.Time]
	logger  logging.Logger
	now     func() time.Time
}

// New binds a reconciler to st.
func New(st *store.Store, opts Options) *Reconciler {
	if opts.UserDedupWindow < 0 {
		opts.UserDedupWindow = 0
	}
	if opts.PendingWindow <= 0 {
		opts.PendingWindow = defaultPendingWindow
	}
	if opts.DedupCacheSize <= 0 {
		opts.DedupCacheSize = defaultDedupCacheSize
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = defaultDedupTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	// lru.New only errors on non-positive size which we guard above.
	seen, _ := lru.New[string, time.Time](opts.DedupCacheSize)
	workers := make(map[string]struct{}, len(opts.WorkerAuthors))
	for _, author := range opts.WorkerAuthors {
		if author = strings.ToLower(strings.TrimSpace(author)); author != "" {
			workers[author] = struct{}{}
		}
	}
	return &Reconciler{
		store:   st,
		opts:    opts,
		workers: workers,
		seen:    seen,
		logger:  logging.OrComponent(opts.Logger, "reconciler"),
		now:     now,
	}
}

// Store returns the bound store.
func (r *Reconciler) Store() *store.Store {
	return r.store
}

// Reset forgets every digest. Call it whenever the store is wiped.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen.Purge()
}

func (r *Reconciler) isWorker(author string) bool {
	_, ok := r.workers[strings.ToLower(strings.TrimSpace(author))]
	return ok
}

// Apply classifies env and merges it. A returned error is always a merge
// error for this fragment alone; callers log it and keep consuming.
func (r *Reconciler) Apply(env fragment.Envelope) (Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := fragment.Classify(env, r.isWorker)
	outcome, err := r.apply(kind, env)
	if err != nil {
		outcome = OutcomeError
		r.logger.Warn("dropping fragment kind=%s id=%s: %v", kind, env.ID, err)
	} else if !outcome.Changed() {
		r.logger.Debug("fragment kind=%s id=%s outcome=%s", kind, env.ID, outcome)
	}
	r.opts.Metrics.ObserveFragment(string(kind), string(outcome))
	return outcome, err
}

func (r *Reconciler) apply(kind fragment.Kind, env fragment.Envelope) (Outcome, error) {
	if r.isStale(env) {
		return OutcomeDropped, nil
	}

	switch kind {
	case fragment.KindControl, fragment.KindUnknown:
		return OutcomeIgnored, nil
	case fragment.KindHandshake:
		return r.applyHandshake(env), nil
	case fragment.KindTerminal:
		return r.applyTerminal(env), nil
	}

	digest := digestOf(env)
	if r.seenRecently(digest) {
		return OutcomeDuplicate, nil
	}

	var (
		outcome Outcome
		err     error
	)
	switch kind {
	case fragment.KindLog:
		outcome, err = r.mergeLog(env.LogEntry())
	case fragment.KindLogWithMetadata:
		outcome = r.applyMetadata(env)
		if strings.TrimSpace(env.Content) != "" || env.PhaseComplete {
			var logOutcome Outcome
			logOutcome, err = r.mergeLog(env.LogEntry())
			outcome = combine(outcome, logOutcome)
		}
	case fragment.KindWorkerLog:
		outcome, err = r.mergeWorker(env.LogEntry())
	case fragment.KindSlide:
		outcome, err = r.mergeSlide(env.SlideEntry(), env.SlideAction())
	default:
		return OutcomeIgnored, nil
	}
	if err != nil {
		return OutcomeError, dferrors.NewMergeError(r.opts.ArtifactID, err)
	}
	r.remember(digest)
	return outcome, nil
}

func (r *Reconciler) isStale(env fragment.Envelope) bool {
	tag := strings.TrimSpace(env.ArtifactID)
	return r.opts.ArtifactID != "" && tag != "" && tag != r.opts.ArtifactID
}

func (r *Reconciler) seenRecently(digest string) bool {
	if digest == "" {
		return false
	}
	if ts, ok := r.seen.Get(digest); ok {
		if r.now().Sub(ts) <= r.opts.DedupTTL {
			return true
		}
		r.seen.Remove(digest)
	}
	return false
}

func (r *Reconciler) remember(digest string) {
	if digest != "" {
		r.seen.Add(digest, r.now())
	}
}

func digestOf(env fragment.Envelope) string {
	payload := env.Raw
	if len(payload) == 0 {
		encoded, err := json.Marshal(env)
		if err != nil {
			return ""
		}
		payload = encoded
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func combine(a, b Outcome) Outcome {
	rank := map[Outcome]int{
		OutcomeApplied: 5, OutcomeMerged: 4, OutcomeDuplicate: 3, OutcomeDropped: 2, OutcomeIgnored: 1,
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func (r *Reconciler) applyHandshake(env fragment.Envelope) Outcome {
	if r.store.Apply(store.SessionDelta{
		ArtifactID: env.ArtifactID,
		UserID:     env.UserID,
		WorkerID:   env.WorkerID,
	}) {
		return OutcomeMerged
	}
	return OutcomeDuplicate
}

func (r *Reconciler) applyTerminal(env fragment.Envelope) Outcome {
	status := env.TerminalStatus()
	if r.store.Apply(store.SessionDelta{DomainStatus: &status}) {
		return OutcomeMerged
	}
	return OutcomeDuplicate
}

func (r *Reconciler) applyMetadata(env fragment.Envelope) Outcome {
	title, total, ok := env.MetadataValues()
	if !ok {
		return OutcomeIgnored
	}
	delta := store.SessionDelta{Title: title}
	if total > 0 {
		delta.TotalSlides = &total
	}
	if r.store.Apply(delta) {
		return OutcomeMerged
	}
	return OutcomeDuplicate
}

// Load merges a parsed history batch through the same rules as live
// fragments, so replaying history over existing state is safe.
func (r *Reconciler) Load(h deck.History) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := 0
	count := func(o Outcome, err error) {
		if err != nil {
			r.logger.Warn("dropping history entry: %v", err)
			return
		}
		if o.Changed() {
			changed++
		}
	}

	delta := store.SessionDelta{Title: h.Title}
	if h.TotalSlides > 0 {
		total := h.TotalSlides
		delta.TotalSlides = &total
	}
	if h.Status != deck.StatusUnknown {
		status := h.Status
		delta.DomainStatus = &status
	}
	if r.store.Apply(delta) {
		changed++
	}
	ordinals := make(map[string]int)
	for _, entry := range h.Logs {
		if entry.Worker || r.isWorker(entry.Author) {
			count(r.mergeWorker(entry))
			continue
		}
		keyless, replayed := r.replayed(entry, ordinals)
		switch {
		case replayed:
			count(OutcomeDuplicate, nil)
		case keyless:
			count(r.mergeLogEntry(entry, false))
		default:
			count(r.mergeLog(entry))
		}
	}
	for _, slide := range h.Slides {
		count(r.mergeSlide(slide, fragment.ActionUpdate))
	}
	return changed
}

// replayed keys user entries without id or timestamp on their text and their
// ordinal among equal texts in the batch. Reloading the same history then
// matches what the previous load confirmed regardless of when it was parsed,
// and repeated messages within one batch all survive.
func (r *Reconciler) replayed(entry deck.LogEntry, ordinals map[string]int) (keyless, replayed bool) {
	author, ok := r.resolveAuthor(entry.Author)
	if !ok || author != deck.AuthorUser || entry.ID != "" || !entry.Timestamp.IsZero() || entry.Pending {
		return false, false
	}
	text := normalizeText(entry.Content)
	ordinals[text]++
	confirmed := 0
	for _, e := range r.store.Snapshot().Logs {
		if e.Author == deck.AuthorUser && !e.Pending && normalizeText(e.Content) == text {
			confirmed++
		}
	}
	return true, confirmed >= ordinals[text]
}

func errInvalidSlide(position int) error {
	return fmt.Errorf("slide position %d is out of range", position)
}
