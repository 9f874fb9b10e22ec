package mockserver

import "time"

// DemoScenario scripts a short queued run that walks every phase and
// produces three slides. mock-server serves it when no scenario file is
// given.
func DemoScenario(artifactID string) Scenario {
	pause := 300 * time.Millisecond
	step := func(frame Frame) Step {
		return Step{Delay: pause, Frame: frame}
	}
	slide := func(position int, id, thinking, content string) Step {
		return step(Frame{"slide": map[string]any{
			"position": position,
			"id":       id,
			"thinking": thinking,
			"content":  content,
		}})
	}

	return Scenario{
		ArtifactID:  artifactID,
		UserID:      "demo-user",
		WorkerID:    "demo-worker",
		Status:      "queued",
		Title:       "Quarterly review",
		TotalSlides: 3,
		History: []Frame{
			{"author": "user", "content": "Build a quarterly review deck"},
		},
		Stream: []Step{
			step(Frame{"id": "plan-1", "author": "planner", "phase": "planning", "content": "Drafting a three slide outline"}),
			step(Frame{"id": "plan-2", "author": "planner", "phase": "planning", "phase_complete": true, "content": "Outline ready"}),
			step(Frame{"id": "research-1", "author": "researcher", "phase": "research", "content": "Collecting revenue figures",
				"links": []map[string]any{{"url": "https://example.com/q3", "title": "Q3 report"}}}),
			step(Frame{"id": "research-2", "author": "researcher", "phase": "research", "phase_complete": true, "summary": "3 sources", "content": "Research done"}),
			step(Frame{"id": "gen-1", "author": "designer", "phase": "generation", "content": "Rendering slides"}),
			slide(1, "slide-1", "Open with the headline number", "# Q3 at a glance"),
			slide(2, "slide-2", "Break revenue down by region", "## Revenue by region"),
			slide(3, "slide-3", "Close on next quarter goals", "## Next quarter"),
			step(Frame{"id": "final-1", "author": "reviewer", "phase": "finalization", "phase_complete": true, "content": "Deck exported"}),
			step(Frame{"type": "done", "status": "completed"}),
		},
		FollowUp: []Step{
			step(Frame{"id": "follow-1", "author": "designer", "phase": "generation", "content": "Applying the requested change"}),
			step(Frame{"type": "done", "status": "completed"}),
		},
	}
}
