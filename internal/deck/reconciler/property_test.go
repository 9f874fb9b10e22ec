package reconciler

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"deckflow/internal/deck/fragment"
	"deckflow/internal/deck/store"
)

func fragmentGen() *rapid.Generator[fragment.Envelope] {
	return rapid.Custom(func(t *rapid.T) fragment.Envelope {
		payload := map[string]any{}
		switch rapid.IntRange(0, 3).Draw(t, "kind") {
		case 0:
			payload["author"] = rapid.SampledFrom([]string{"planner", "user", "unknown", ""}).Draw(t, "author")
			payload["content"] = rapid.SampledFrom([]string{"a", "b", "A  a"}).Draw(t, "content")
			if rapid.Bool().Draw(t, "withID") {
				payload["id"] = rapid.SampledFrom([]string{"l1", "l2"}).Draw(t, "id")
			}
			if rapid.Bool().Draw(t, "withTS") {
				payload["timestamp"] = rapid.SampledFrom([]int64{1714557600000, 1714557601000}).Draw(t, "ts")
			}
			payload["phase"] = rapid.SampledFrom([]string{"", "planning", "research"}).Draw(t, "phase")
		case 1:
			payload["type"] = "worker_log"
			payload["author"] = rapid.SampledFrom([]string{"researcher", "designer"}).Draw(t, "worker")
			payload["summary"] = rapid.SampledFrom([]string{"", "s1", "s2"}).Draw(t, "summary")
			payload["links"] = rapid.SliceOfN(rapid.SampledFrom([]string{"https://a", "https://b"}), 0, 2).Draw(t, "links")
		case 2:
			slide := map[string]any{
				"position": rapid.IntRange(1, 5).Draw(t, "position"),
				"action":   rapid.SampledFrom([]string{"update", "create", "insert"}).Draw(t, "action"),
			}
			if rapid.Bool().Draw(t, "slideID") {
				slide["id"] = rapid.SampledFrom([]string{"s1", "s2", "s3"}).Draw(t, "sid")
			}
			slide["content"] = rapid.SampledFrom([]string{"", "x", "y"}).Draw(t, "scontent")
			slide["thinking"] = rapid.SampledFrom([]string{"", "why"}).Draw(t, "sthinking")
			payload["slide"] = slide
		default:
			payload["metadata"] = map[string]any{
				"title":        rapid.SampledFrom([]string{"", "Deck"}).Draw(t, "title"),
				"total_slides": rapid.IntRange(0, 4).Draw(t, "total"),
			}
			payload["content"] = "meta"
			payload["author"] = "planner"
		}
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		env, err := fragment.Decode(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return env
	})
}

func stateOf(st *store.Store) store.Snapshot {
	snapshot := st.Snapshot()
	snapshot.Version = 0
	return snapshot
}

// Re-applying the last fragment of any sequence leaves the store unchanged,
// even with the digest cache cleared so the merge rules alone decide.
func TestApplyIsIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r, st, _ := buildReconciler(nil)
		prefix := rapid.SliceOfN(fragmentGen(), 0, 12).Draw(t, "prefix")
		last := fragmentGen().Draw(t, "last")
		repeats := rapid.IntRange(1, 4).Draw(t, "repeats")

		for _, env := range prefix {
			_, _ = r.Apply(env)
		}
		_, _ = r.Apply(last)
		want := stateOf(st)

		for i := 0; i < repeats; i++ {
			r.Reset()
			_, _ = r.Apply(last)
		}
		require.Equal(t, want, stateOf(st))
	})
}

func TestSlidePositionsStayContiguous(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r, st, _ := buildReconciler(nil)
		for _, env := range rapid.SliceOfN(fragmentGen(), 1, 25).Draw(t, "fragments") {
			_, _ = r.Apply(env)
			for i, slide := range st.Snapshot().Slides {
				if slide.Position != i+1 {
					t.Fatalf("position %d at index %d", slide.Position, i)
				}
			}
		}
	})
}
