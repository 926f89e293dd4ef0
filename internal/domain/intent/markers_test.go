package intent

import "testing"

func TestExtract_CronAdd(t *testing.T) {
	text := `Sure, I'll set that up. [CRON_ADD: hello | */1 * * * * | Say hi | announce] Done.`
	res := Extract(text)
	if len(res.Actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(res.Actions))
	}
	act := res.Actions[0]
	if act.Kind != ActionCronAdd {
		t.Fatalf("expected CRON_ADD, got %v", act.Kind)
	}
	fields, ok := act.AsCronAdd()
	if !ok {
		t.Fatalf("expected AsCronAdd to succeed")
	}
	if fields.Name != "hello" || fields.Schedule != "*/1 * * * *" || fields.Prompt != "Say hi" || fields.Delivery != "announce" {
		t.Errorf("unexpected fields: %+v", fields)
	}
	if res.Stripped != `Sure, I'll set that up.  Done.` {
		t.Errorf("unexpected stripped text: %q", res.Stripped)
	}
}

func TestExtract_CronAddDefaultsDelivery(t *testing.T) {
	text := `[CRON_ADD: job | * * * * * | prompt]`
	res := Extract(text)
	fields, ok := res.Actions[0].AsCronAdd()
	if !ok || fields.Delivery != "announce" {
		t.Fatalf("expected default delivery announce, got %+v ok=%v", fields, ok)
	}
}

func TestExtract_MultipleMarkersAndUnrecognizedBrackets(t *testing.T) {
	text := `[SEND_FILE: /tmp/report.pdf] and also [CRON_DELETE: old-job] but [not a marker] stays.`
	res := Extract(text)
	if len(res.Actions) != 2 {
		t.Fatalf("expected 2 actions, got %d: %+v", len(res.Actions), res.Actions)
	}
	if res.Actions[0].Kind != ActionSendFile || res.Actions[0].Fields[0] != "/tmp/report.pdf" {
		t.Errorf("unexpected send_file action: %+v", res.Actions[0])
	}
	if res.Actions[1].Kind != ActionCronDelete || res.Actions[1].Fields[0] != "old-job" {
		t.Errorf("unexpected cron_delete action: %+v", res.Actions[1])
	}
	if !containsSubstr(res.Stripped, "[not a marker]") {
		t.Errorf("expected unrecognized bracket text preserved, got %q", res.Stripped)
	}
}

func TestExtract_ToolCallBracketForm(t *testing.T) {
	text := `[TOOL_CALL: web_search | {"query": "weather"}]`
	res := Extract(text)
	if len(res.Actions) != 1 || res.Actions[0].Kind != ActionToolCall {
		t.Fatalf("expected one tool_call action, got %+v", res.Actions)
	}
	if res.Actions[0].Fields[0] != "web_search" {
		t.Errorf("expected tool name web_search, got %q", res.Actions[0].Fields[0])
	}
}

func TestExtract_ToolCallXMLForm(t *testing.T) {
	text := `before <tool_call name="web_search">{"query": "weather"}</tool_call> after`
	res := Extract(text)
	if len(res.Actions) != 1 || res.Actions[0].Kind != ActionToolCall {
		t.Fatalf("expected one tool_call action, got %+v", res.Actions)
	}
	if res.Actions[0].Fields[0] != "web_search" {
		t.Errorf("expected tool name web_search, got %q", res.Actions[0].Fields[0])
	}
	if res.Actions[0].Fields[1] != `{"query": "weather"}` {
		t.Errorf("unexpected params: %q", res.Actions[0].Fields[1])
	}
	if res.Stripped != "before  after" {
		t.Errorf("unexpected stripped text: %q", res.Stripped)
	}
}

func TestExtract_MarkerNeverSpansLines(t *testing.T) {
	text := "[CRON_ADD: a\nb]"
	res := Extract(text)
	if len(res.Actions) != 0 {
		t.Errorf("expected no actions for a marker spanning lines, got %+v", res.Actions)
	}
}

func TestClassify_BuiltinVerbs(t *testing.T) {
	cases := map[string]Verb{
		"/status": VerbStatus,
		"status":  VerbStatus,
		"/cancel": VerbCancel,
		"pause":   VerbPause,
		"resume":  VerbResume,
		"/clear":  VerbClear,
	}
	for text, want := range cases {
		got, ok := Classify(text)
		if !ok || got != want {
			t.Errorf("Classify(%q) = %v, %v; want %v, true", text, got, ok, want)
		}
	}
}

func TestClassify_RejectsLongFreeform(t *testing.T) {
	if _, ok := Classify("can you please check on the status of my order from last week"); ok {
		t.Errorf("expected long free-form sentence to not be classified as a built-in verb")
	}
}

func TestClassify_RejectsUnknown(t *testing.T) {
	if _, ok := Classify("banana"); ok {
		t.Errorf("expected unknown word to not match")
	}
}

func containsSubstr(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}
