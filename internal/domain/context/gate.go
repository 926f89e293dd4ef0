// Package context implements the Context Gate: the
// measure/dedup/drop/truncate layer that sits between the Context
// Assembler and the LLM Adapter, and the compression summary that
// seeds a replacement session once the gate reports reset_needed.
// Trimming operates over named prompt Sections, dropping whole
// sections in priority order rather than truncating mid-text.
package context

import (
	"strings"
	"unicode/utf8"
)

// Section is one named block of the assembled prompt (persona,
// capability manifest, skills, goals, memories, ...). Priority is
// lowest-dropped-first: 0 is highest priority and is never dropped,
// higher numbers are speculative/low-signal and go first.
type Section struct {
	Name     string
	Text     string
	Priority int
	Tokens   int
}

// GateConfig holds the session token ceiling and the two pressure
// thresholds that decide when to drop or truncate context sections.
type GateConfig struct {
	Ceiling           int
	DropThreshold     float64 // 0.85: start dropping low-priority sections
	TruncateThreshold float64 // 0.95: start truncating from the low-priority end
}

// DefaultGateConfig returns the default drop/truncate pressure thresholds.
func DefaultGateConfig(ceiling int) GateConfig {
	return GateConfig{Ceiling: ceiling, DropThreshold: 0.85, TruncateThreshold: 0.95}
}

// Tokenizer estimates a token count for a string.
type Tokenizer interface {
	Count(text string) int
}

// SimpleTokenizer is a character-based estimate (~4 chars/token),
// good enough for budget decisions without a model-specific tokenizer.
type SimpleTokenizer struct{}

func NewSimpleTokenizer() *SimpleTokenizer { return &SimpleTokenizer{} }

func (t *SimpleTokenizer) Count(text string) int {
	return utf8.RuneCountInString(text)/4 + 1
}

// Gate is the Context Gate.
type Gate struct {
	cfg       GateConfig
	tokenizer Tokenizer
}

func NewGate(cfg GateConfig, tokenizer Tokenizer) *Gate {
	if tokenizer == nil {
		tokenizer = NewSimpleTokenizer()
	}
	return &Gate{cfg: cfg, tokenizer: tokenizer}
}

// BuildResult is what Build reports back to the caller: the compacted
// prompt, the pressure it measured, and whether a session reset is
// now required.
type BuildResult struct {
	Prompt      string
	Pressure    float64
	ResetNeeded bool
	Dropped     []string // section names removed
	Truncated   []string // section names truncated
}

// Build measures the assembled sections against sessionTokensSoFar
// (the running total the Session already carries) plus the sections'
// own token cost, drops low-priority sections above DropThreshold,
// truncates from the low-priority end above TruncateThreshold, and
// reports reset_needed when the prompt still can't fit. It also
// deduplicates identical paragraphs across sections before measuring.
func (g *Gate) Build(sections []Section, sessionTokensSoFar int) BuildResult {
	sections = dedupeParagraphs(sections)
	for i := range sections {
		if sections[i].Tokens == 0 {
			sections[i].Tokens = g.tokenizer.Count(sections[i].Text)
		}
	}

	total := func(secs []Section) int {
		sum := sessionTokensSoFar
		for _, s := range secs {
			sum += s.Tokens
		}
		return sum
	}

	pressure := func(secs []Section) float64 {
		if g.cfg.Ceiling <= 0 {
			return 0
		}
		return float64(total(secs)) / float64(g.cfg.Ceiling)
	}

	result := BuildResult{Pressure: pressure(sections)}
	if result.Pressure <= g.cfg.DropThreshold {
		result.Prompt = render(sections)
		return result
	}

	// Drop low-priority sections first (highest Priority number goes
	// first), keeping priority 0 ("never dropped") untouched.
	ordered := append([]Section(nil), sections...)
	sortByPriorityDesc(ordered)

	kept := append([]Section(nil), sections...)
	for _, victim := range ordered {
		if victim.Priority == 0 {
			continue
		}
		if pressure(kept) <= g.cfg.DropThreshold {
			break
		}
		kept = removeSection(kept, victim.Name)
		result.Dropped = append(result.Dropped, victim.Name)
	}
	result.Pressure = pressure(kept)

	if result.Pressure > g.cfg.TruncateThreshold {
		// Truncate from the lowest-priority remaining section inward
		// until under the ceiling or nothing left to cut.
		lowToHigh := append([]Section(nil), kept...)
		sortByPriorityDesc(lowToHigh)
		for _, victim := range lowToHigh {
			if victim.Priority == 0 {
				continue
			}
			if total(kept) <= g.cfg.Ceiling {
				break
			}
			over := total(kept) - g.cfg.Ceiling
			idx := indexOf(kept, victim.Name)
			if idx < 0 {
				continue
			}
			cutChars := over * 4
			if cutChars >= len(kept[idx].Text) {
				kept = removeSection(kept, victim.Name)
				result.Dropped = append(result.Dropped, victim.Name)
				continue
			}
			kept[idx].Text = kept[idx].Text[:len(kept[idx].Text)-cutChars] + "\n…(truncated)"
			kept[idx].Tokens = g.tokenizer.Count(kept[idx].Text)
			result.Truncated = append(result.Truncated, victim.Name)
		}
		result.Pressure = pressure(kept)
	}

	if total(kept) > g.cfg.Ceiling {
		result.ResetNeeded = true
	}
	result.Prompt = render(kept)
	return result
}

func dedupeParagraphs(sections []Section) []Section {
	seen := make(map[string]bool)
	out := make([]Section, 0, len(sections))
	for _, s := range sections {
		paras := strings.Split(s.Text, "\n\n")
		kept := make([]string, 0, len(paras))
		for _, p := range paras {
			key := strings.TrimSpace(strings.ToLower(p))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			kept = append(kept, p)
		}
		s.Text = strings.Join(kept, "\n\n")
		out = append(out, s)
	}
	return out
}

func sortByPriorityDesc(secs []Section) {
	for i := 1; i < len(secs); i++ {
		for j := i; j > 0 && secs[j].Priority > secs[j-1].Priority; j-- {
			secs[j], secs[j-1] = secs[j-1], secs[j]
		}
	}
}

func removeSection(secs []Section, name string) []Section {
	out := make([]Section, 0, len(secs))
	for _, s := range secs {
		if s.Name != name {
			out = append(out, s)
		}
	}
	return out
}

func indexOf(secs []Section, name string) int {
	for i, s := range secs {
		if s.Name == name {
			return i
		}
	}
	return -1
}

func render(secs []Section) string {
	var b strings.Builder
	for _, s := range secs {
		if strings.TrimSpace(s.Text) == "" {
			continue
		}
		b.WriteString(s.Text)
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
