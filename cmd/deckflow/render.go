package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"deckflow/internal/deck"
)

const previewWidth = 60

type historyJSON struct {
	ArtifactID  string      `json:"artifact_id"`
	Status      string      `json:"status,omitempty"`
	Title       string      `json:"title,omitempty"`
	TotalSlides int         `json:"total_slides,omitempty"`
	Logs        []logJSON   `json:"logs"`
	Slides      []slideJSON `json:"slides"`
}

type logJSON struct {
	ID            string     `json:"id,omitempty"`
	Author        string     `json:"author"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
	Phase         string     `json:"phase,omitempty"`
	PhaseComplete bool       `json:"phase_complete,omitempty"`
	Content       string     `json:"content"`
	Summary       string     `json:"summary,omitempty"`
	Links         []linkJSON `json:"links,omitempty"`
}

type linkJSON struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

type slideJSON struct {
	Position int    `json:"position"`
	ID       string `json:"id,omitempty"`
	Thinking string `json:"thinking,omitempty"`
	Content  string `json:"content,omitempty"`
}

func renderHistoryJSON(w io.Writer, artifactID string, h deck.History) error {
	out := historyJSON{
		ArtifactID:  artifactID,
		Status:      string(h.Status),
		Title:       h.Title,
		TotalSlides: h.TotalSlides,
		Logs:        make([]logJSON, 0, len(h.Logs)),
		Slides:      make([]slideJSON, 0, len(h.Slides)),
	}
	for _, entry := range h.Logs {
		item := logJSON{
			ID:            entry.ID,
			Author:        entry.Author,
			Phase:         string(entry.Phase),
			PhaseComplete: entry.PhaseComplete,
			Content:       entry.Content,
			Summary:       entry.Summary,
		}
		if !entry.Timestamp.IsZero() {
			ts := entry.Timestamp
			item.Timestamp = &ts
		}
		for _, link := range entry.Links {
			item.Links = append(item.Links, linkJSON{URL: link.URL, Title: link.Title})
		}
		out.Logs = append(out.Logs, item)
	}
	for _, slide := range h.Slides {
		out.Slides = append(out.Slides, slideJSON(slide))
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func renderHistoryTable(w io.Writer, artifactID string, h deck.History) {
	title := artifactID
	if h.Title != "" {
		title = fmt.Sprintf("%s (%s)", h.Title, artifactID)
	}
	fmt.Fprintf(w, "%s %s  %s\n\n", bold(title), gray("status:"), statusColor(h.Status))

	logs := table.NewWriter()
	logs.SetOutputMirror(w)
	logs.SetStyle(table.StyleRounded)
	logs.SetTitle("Logs")
	logs.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 5, WidthMax: previewWidth},
	})
	logs.AppendHeader(table.Row{"#", "Time", "Author", "Phase", "Content"})
	for i, entry := range h.Logs {
		phase := string(entry.Phase)
		if entry.PhaseComplete && phase != "" {
			phase += " ✓"
		}
		logs.AppendRow(table.Row{i + 1, formatTime(entry.EffectiveTime()), entry.Author, phase, preview(entry.Content)})
	}
	if len(h.Logs) == 0 {
		logs.AppendRow(table.Row{"", "", "", "", gray("no logs yet")})
	}
	logs.Render()

	slides := table.NewWriter()
	slides.SetOutputMirror(w)
	slides.SetStyle(table.StyleRounded)
	total := h.TotalSlides
	if total < len(h.Slides) {
		total = len(h.Slides)
	}
	slides.SetTitle(fmt.Sprintf("Slides %d/%d", completeSlides(h.Slides), total))
	slides.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 4, WidthMax: previewWidth},
	})
	slides.AppendHeader(table.Row{"Pos", "ID", "State", "Content"})
	for _, slide := range h.Slides {
		slides.AppendRow(table.Row{slide.Position, slide.ID, slideState(slide), preview(slide.Content)})
	}
	slides.Render()
}

func completeSlides(slides []deck.SlideEntry) int {
	n := 0
	for _, s := range slides {
		if s.IsComplete() {
			n++
		}
	}
	return n
}

func slideState(s deck.SlideEntry) string {
	switch {
	case s.IsPlaceholder():
		return gray("pending")
	case s.IsComplete():
		return green("done")
	default:
		return yellow("partial")
	}
}

func statusColor(status deck.DomainStatus) string {
	label := string(status)
	if label == "" {
		label = "unknown"
	}
	switch status {
	case deck.StatusCompleted:
		return green(label)
	case deck.StatusFailed:
		return red(label)
	case deck.StatusProcessing:
		return cyan(label)
	default:
		return yellow(label)
	}
}

func hookColor(status deck.HookStatus) string {
	switch status {
	case deck.HookReady:
		return green(string(status))
	case deck.HookError:
		return red(string(status))
	case deck.HookStreaming:
		return cyan(string(status))
	default:
		return yellow(string(status))
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("15:04:05")
}

// preview collapses whitespace and trims content for one table cell.
func preview(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	return text.Trim(content, previewWidth)
}

// formatLog renders one transcript line for watch.
func formatLog(entry deck.LogEntry) string {
	var b strings.Builder
	b.WriteString(gray(formatTime(entry.EffectiveTime())))
	b.WriteString(" ")
	if entry.Author == deck.AuthorUser {
		b.WriteString(bold("you"))
	} else {
		b.WriteString(cyan(entry.Author))
	}
	if entry.Phase != "" {
		b.WriteString(gray(" [" + string(entry.Phase) + "]"))
	}
	b.WriteString(" ")
	b.WriteString(entry.Content)
	if entry.PhaseComplete {
		b.WriteString(" " + green("✓"))
	}
	for _, link := range entry.Links {
		label := link.Title
		if label == "" {
			label = link.URL
		}
		fmt.Fprintf(&b, "\n    %s %s", gray("↳"), label)
	}
	return b.String()
}
