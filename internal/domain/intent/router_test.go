package intent

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		in   string
		verb Verb
		ok   bool
	}{
		{"/status", VerbStatus, true},
		{"status", VerbStatus, true},
		{"STATUS", VerbStatus, true},
		{"  /clear  ", VerbClear, true},
		{"/new", VerbClear, true},
		{"stop", VerbCancel, true},
		{"continue", VerbResume, true},
		{"crons", VerbCronList, true},

		// Free-form sentences must fall through to a full LLM turn.
		{"what's my status for the week ahead", "", false},
		{"please pause the music and tell me a story", "", false},
		{"", "", false},
		{"status\nreport", "", false},
		{"hello there", "", false},
	}

	for _, tt := range tests {
		verb, ok := Classify(tt.in)
		if ok != tt.ok || verb != tt.verb {
			t.Errorf("Classify(%q) = (%q, %v), want (%q, %v)", tt.in, verb, ok, tt.verb, tt.ok)
		}
	}
}
