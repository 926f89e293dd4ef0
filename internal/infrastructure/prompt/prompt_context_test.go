package prompt

import "testing"

func TestHasTool(t *testing.T) {
	ctx := &PromptContext{RegisteredTools: []string{"bash", "read_file", "web_search"}}

	if !ctx.HasTool("web_search") {
		t.Error("web_search should be registered")
	}
	if ctx.HasTool("browser_navigate") {
		t.Error("browser_navigate should not be registered")
	}
	if ctx.HasTool("") {
		t.Error("empty name should never match")
	}
}

func TestHasAnyTool(t *testing.T) {
	ctx := &PromptContext{RegisteredTools: []string{"save_memory"}}

	if !ctx.HasAnyTool([]string{"web_search", "save_memory"}) {
		t.Error("expected match on save_memory")
	}
	if ctx.HasAnyTool([]string{"web_search", "web_fetch"}) {
		t.Error("expected no match")
	}
	if ctx.HasAnyTool(nil) {
		t.Error("empty list should not match")
	}
}

func TestAnalyzeIntent(t *testing.T) {
	tests := []struct {
		message string
		want    TaskIntent
	}{
		{"remind me to water the plants every day", IntentSchedule},
		{"每天早上九点提醒我喝水", IntentSchedule},
		{"set up a weekly summary", IntentSchedule},
		{"search for the latest Go release notes", IntentResearch},
		{"帮我总结一下这篇文章", IntentResearch},
		{"why does this function panic", IntentCoding},
		{"重构这个模块", IntentCoding},
		{"check the nginx config on the server", IntentSystem},
		{"write a short story about a falcon", IntentCreative},
		{"how are you today", IntentGeneral},
		{"", IntentGeneral},
	}
	for _, tt := range tests {
		if got := AnalyzeIntent(tt.message); got != tt.want {
			t.Errorf("AnalyzeIntent(%q) = %v, want %v", tt.message, got, tt.want)
		}
	}
}

func TestAnalyzeIntent_ScheduleWinsOverResearch(t *testing.T) {
	// Scheduling outranks research: a "remind me to look this up"
	// turn should load the scheduling component.
	got := AnalyzeIntent("remind me to search for concert tickets tomorrow")
	if got != IntentSchedule {
		t.Errorf("AnalyzeIntent = %v, want IntentSchedule", got)
	}
}

func TestTaskIntentString(t *testing.T) {
	pairs := map[TaskIntent]string{
		IntentGeneral:  "general",
		IntentSchedule: "schedule",
		IntentResearch: "research",
		IntentCoding:   "coding",
		IntentSystem:   "system",
		IntentCreative: "creative",
	}
	for intent, want := range pairs {
		if intent.String() != want {
			t.Errorf("%d.String() = %q, want %q", intent, intent.String(), want)
		}
	}
}
