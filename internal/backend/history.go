package backend

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonrepair"

	"deckflow/internal/deck"
	"deckflow/internal/deck/fragment"
	"deckflow/internal/deck/reconciler"
	"deckflow/internal/deck/store"
	dferrors "deckflow/internal/errors"
)

type historyPayload struct {
	Status      string            `json:"status"`
	Title       string            `json:"title"`
	TotalSlides int               `json:"total_slides"`
	Fragments   []json.RawMessage `json:"fragments"`
}

// ParseHistory replays a raw history batch through a scratch reconciler so
// the result obeys the same dedup and ordering rules as live fragments.
func ParseHistory(raw []byte, opts reconciler.Options) (deck.History, error) {
	const op = "history"
	artifactID := opts.ArtifactID

	payload, err := decodeHistory(raw)
	if err != nil {
		return deck.History{}, dferrors.NewParseError(op, artifactID, err)
	}
	if payload.Fragments == nil {
		return deck.History{}, dferrors.NewParseError(op, artifactID, fmt.Errorf("history payload has no fragments field"))
	}

	status := deck.StatusUnknown
	if payload.Status != "" {
		parsed, ok := deck.ParseDomainStatus(payload.Status)
		if !ok {
			return deck.History{}, dferrors.NewParseError(op, artifactID, fmt.Errorf("unknown status %q", payload.Status))
		}
		status = parsed
	}

	opts.Metrics = nil
	scratch := store.New()
	rec := reconciler.New(scratch, opts)
	rec.Load(deck.History{Status: status, Title: payload.Title, TotalSlides: payload.TotalSlides})

	for i, rawFragment := range payload.Fragments {
		env, err := fragment.Decode(rawFragment)
		if err != nil {
			return deck.History{}, dferrors.NewParseError(op, artifactID, fmt.Errorf("fragment %d: %w", i, err))
		}
		if _, err := rec.Apply(env); err != nil {
			return deck.History{}, dferrors.NewParseError(op, artifactID, fmt.Errorf("fragment %d: %w", i, err))
		}
	}

	snapshot := scratch.Snapshot()
	return deck.History{
		Status:      snapshot.Session.DomainStatus,
		Title:       snapshot.Session.Title,
		TotalSlides: snapshot.Session.TotalSlides,
		Logs:        snapshot.Logs,
		Slides:      snapshot.Slides,
	}, nil
}

func decodeHistory(raw []byte) (historyPayload, error) {
	var payload historyPayload
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return payload, fmt.Errorf("empty history payload")
	}
	if err := json.Unmarshal(trimmed, &payload); err == nil {
		return payload, nil
	} else if trimmed[0] != '{' {
		return payload, err
	}
	repaired, err := jsonrepair.JSONRepair(string(trimmed))
	if err != nil {
		return payload, err
	}
	if err := json.Unmarshal([]byte(repaired), &payload); err != nil {
		return payload, err
	}
	return payload, nil
}
