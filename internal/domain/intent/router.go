package intent

import "strings"

// Verb is a built-in command the router can short-circuit to without
// spending a full LLM turn.
type Verb string

const (
	VerbStatus   Verb = "status"
	VerbCancel   Verb = "cancel"
	VerbPause    Verb = "pause"
	VerbResume   Verb = "resume"
	VerbCronList Verb = "cron_list"
	VerbClear    Verb = "clear"
)

var builtinVerbs = map[string]Verb{
	"/status":  VerbStatus,
	"status":   VerbStatus,
	"/cancel":  VerbCancel,
	"cancel":   VerbCancel,
	"stop":     VerbCancel,
	"/pause":   VerbPause,
	"pause":    VerbPause,
	"/resume":  VerbResume,
	"resume":   VerbResume,
	"continue": VerbResume,
	"/crons":   VerbCronList,
	"crons":    VerbCronList,
	"/clear":   VerbClear,
	"/new":     VerbClear,
	"/reset":   VerbClear,
}

// maxShortUtteranceLen bounds how long a message can be and still be
// considered for built-in-verb classification; anything longer is
// assumed to carry enough free-form content to need a full LLM turn.
const maxShortUtteranceLen = 24

// Classify checks text against the built-in verb table. It only
// matches short utterances (a handful of words, no embedded
// punctuation beyond a leading slash) so it never intercepts a
// free-form sentence that happens to contain a keyword.
func Classify(text string) (Verb, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || len(trimmed) > maxShortUtteranceLen {
		return "", false
	}
	if strings.ContainsAny(trimmed, "\n") {
		return "", false
	}
	key := strings.ToLower(trimmed)
	// Reject anything with more than two words; built-in verbs are
	// always one or two tokens ("cron" + "list" style is still
	// looked up as a whole key below, not word-split here).
	if strings.Count(key, " ") > 1 {
		return "", false
	}
	verb, ok := builtinVerbs[key]
	return verb, ok
}
