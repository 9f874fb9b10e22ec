// Package fragment decodes and classifies the JSON envelopes delivered by the
// stream and the history endpoint.
package fragment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"deckflow/internal/deck"
	dferrors "deckflow/internal/errors"
)

// Envelope is one decoded fragment. Fields are optional; classification
// decides which of them matter.
type Envelope struct {
	Type          string    `json:"type,omitempty"`
	ArtifactID    string    `json:"artifact_id,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	WorkerID      string    `json:"worker_id,omitempty"`
	ID            string    `json:"id,omitempty"`
	Author        string    `json:"author,omitempty"`
	Timestamp     Timestamp `json:"timestamp,omitzero"`
	Phase         string    `json:"phase,omitempty"`
	PhaseComplete bool      `json:"phase_complete,omitempty"`
	Content       string    `json:"content,omitempty"`
	Summary       string    `json:"summary,omitempty"`
	Links         []Link    `json:"links,omitempty"`
	Metadata      *Metadata `json:"metadata,omitempty"`
	Slide         *Slide    `json:"slide,omitempty"`
	SlideNumber   int       `json:"slide_number,omitempty"`
	Thinking      string    `json:"thinking,omitempty"`
	Action        string    `json:"action,omitempty"`
	Worker        bool      `json:"worker,omitempty"`
	Terminal      bool      `json:"terminal,omitempty"`
	Done          bool      `json:"done,omitempty"`
	Status        string    `json:"status,omitempty"`
	Error         string    `json:"error,omitempty"`
	Token         string    `json:"token,omitempty"`
	Raw           []byte    `json:"-"`
}

// Metadata carries presentation-level attributes.
type Metadata struct {
	Title       string `json:"title,omitempty"`
	TotalSlides int    `json:"total_slides,omitempty"`
}

// Slide is the nested slide payload.
type Slide struct {
	Position int    `json:"position,omitempty"`
	ID       string `json:"id,omitempty"`
	Thinking string `json:"thinking,omitempty"`
	Content  string `json:"content,omitempty"`
	Action   string `json:"action,omitempty"`
}

// Link accepts either a bare URL string or an object.
type Link struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

func (l *Link) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &l.URL)
	}
	type plain Link
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*l = Link(p)
	return nil
}

// Timestamp accepts RFC3339 strings and unix seconds or milliseconds.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			t.Time = fromUnix(n)
			return nil
		}
		return fmt.Errorf("unsupported timestamp %q", s)
	}
	n, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("unsupported timestamp %s", data)
	}
	t.Time = fromUnix(n)
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// Values above 1e12 are milliseconds; anything smaller is seconds.
func fromUnix(n float64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec := int64(n)
	return time.Unix(sec, int64((n-float64(sec))*1e9)).UTC()
}

// Decode parses one fragment, falling back to JSON repair for truncated or
// sloppy payloads. The result keeps a copy of the raw bytes.
func Decode(data []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Envelope{}, dferrors.NewParseError("decode fragment", "", fmt.Errorf("empty payload"))
	}
	env, err := decodeObject(trimmed)
	if err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(string(trimmed))
		if repairErr != nil {
			return Envelope{}, dferrors.NewParseError("decode fragment", "", err)
		}
		env, err = decodeObject([]byte(repaired))
		if err != nil {
			return Envelope{}, dferrors.NewParseError("decode fragment", "", err)
		}
	}
	env.Raw = append([]byte(nil), trimmed...)
	return env, nil
}

func decodeObject(data []byte) (Envelope, error) {
	if len(data) == 0 || data[0] != '{' {
		return Envelope{}, fmt.Errorf("fragment must be a JSON object")
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Encode marshals an outbound envelope.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// LogEntry projects the envelope onto a log entry.
func (e Envelope) LogEntry() deck.LogEntry {
	entry := deck.LogEntry{
		ID:            strings.TrimSpace(e.ID),
		Author:        strings.TrimSpace(e.Author),
		Timestamp:     e.Timestamp.Time,
		Phase:         deck.NormalizePhase(e.Phase),
		PhaseComplete: e.PhaseComplete,
		Content:       e.Content,
		Summary:       e.Summary,
	}
	for _, link := range e.Links {
		if url := strings.TrimSpace(link.URL); url != "" {
			entry.Links = append(entry.Links, deck.Link{URL: url, Title: strings.TrimSpace(link.Title)})
		}
	}
	return entry
}

// SlideEntry projects the envelope onto a slide, preferring the nested
// payload over the flat fields.
func (e Envelope) SlideEntry() deck.SlideEntry {
	out := deck.SlideEntry{
		Position: e.SlideNumber,
		Thinking: e.Thinking,
		Content:  e.Content,
	}
	if s := e.Slide; s != nil {
		if s.Position != 0 {
			out.Position = s.Position
		}
		out.ID = strings.TrimSpace(s.ID)
		if s.Thinking != "" {
			out.Thinking = s.Thinking
		}
		if s.Content != "" {
			out.Content = s.Content
		}
	}
	return out
}

// MetadataValues returns title and total slide count, from the nested object if present.
func (e Envelope) MetadataValues() (title string, total int, ok bool) {
	if e.Metadata == nil {
		return "", 0, false
	}
	title = strings.TrimSpace(e.Metadata.Title)
	total = e.Metadata.TotalSlides
	return title, total, title != "" || total > 0
}
