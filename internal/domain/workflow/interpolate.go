package workflow

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*context\.([a-zA-Z0-9_-]+)\.([a-zA-Z0-9_]+)\s*\}\}`)

// interpolate substitutes every `{{context.<stepId>.<field>}}`
// placeholder in tmpl with the matching value from ctx. shellEscape
// controls whether substituted values are quoted for safe inclusion
// in an argv element: tool steps must pass true; llm steps pass false since the result becomes prompt text, not
// a shell argument.
func interpolate(tmpl string, ctx map[string]map[string]interface{}, shellEscape bool) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		sub := placeholderPattern.FindStringSubmatch(m)
		if sub == nil {
			return m
		}
		stepID, field := sub[1], sub[2]
		step, ok := ctx[stepID]
		if !ok {
			return ""
		}
		val, ok := step[field]
		if !ok {
			return ""
		}
		s := fmt.Sprintf("%v", val)
		if shellEscape {
			return shellQuote(s)
		}
		return s
	})
}

// shellQuote wraps s in single quotes, escaping any embedded single
// quote so the result is safe as one argv element even though the
// tool runner itself never invokes a shell (argv-array execution,
// not string concatenation) — this is defense in depth for any
// downstream code that does pass the value through a shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
