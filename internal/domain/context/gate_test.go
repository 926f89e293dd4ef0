package context

import "testing"

func TestGate_NoPressure_PassesThrough(t *testing.T) {
	g := NewGate(DefaultGateConfig(1000), nil)
	sections := []Section{
		{Name: "persona", Text: "You are a helpful agent.", Priority: 0},
		{Name: "goals", Text: "Goal: ship the feature.", Priority: 2},
	}

	result := g.Build(sections, 0)
	if result.ResetNeeded {
		t.Fatal("should not need reset under ceiling")
	}
	if len(result.Dropped) != 0 {
		t.Errorf("should not drop anything, dropped: %v", result.Dropped)
	}
}

func TestGate_DropsLowPriorityUnderPressure(t *testing.T) {
	g := NewGate(DefaultGateConfig(30), nil) // tiny ceiling forces pressure
	sections := []Section{
		{Name: "persona", Text: "core persona text that must survive", Priority: 0},
		{Name: "speculative-skill", Text: "a long speculative skill document nobody asked for, padded out with filler words to use tokens", Priority: 5},
	}

	result := g.Build(sections, 0)
	if len(result.Dropped) == 0 {
		t.Error("expected the speculative section to be dropped under pressure")
	}
	for _, name := range result.Dropped {
		if name == "persona" {
			t.Error("priority-0 section must never be dropped")
		}
	}
}

func TestGate_ResetNeededWhenNothingLeftToDrop(t *testing.T) {
	g := NewGate(DefaultGateConfig(5), nil)
	sections := []Section{
		{Name: "persona", Text: "this priority-zero section alone already exceeds the tiny ceiling we configured", Priority: 0},
	}

	result := g.Build(sections, 0)
	if !result.ResetNeeded {
		t.Error("expected reset_needed when the floor itself exceeds the ceiling")
	}
}

func TestGate_DedupesIdenticalParagraphs(t *testing.T) {
	g := NewGate(DefaultGateConfig(10000), nil)
	sections := []Section{
		{Name: "a", Text: "shared paragraph\n\nunique to a", Priority: 1},
		{Name: "b", Text: "shared paragraph\n\nunique to b", Priority: 1},
	}

	result := g.Build(sections, 0)
	if countOccurrences(result.Prompt, "shared paragraph") != 1 {
		t.Errorf("expected deduped paragraph to appear once, prompt: %q", result.Prompt)
	}
}

func countOccurrences(haystack, needle string) int {
	count := 0
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			count++
			i += len(needle) - 1
		}
	}
	return count
}
