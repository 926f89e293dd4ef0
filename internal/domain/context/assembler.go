package context

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kestrelrun/kestrel/internal/domain/memory"
)

// Tier is the Context Assembler's prompt size tier:
// minimal ≈ 2KB, standard ≈ 5KB, full ≈ 12KB.
type Tier int

const (
	TierMinimal Tier = iota
	TierStandard
	TierFull
)

func (t Tier) budgetChars() int {
	switch t {
	case TierMinimal:
		return 2048
	case TierStandard:
		return 5120
	default:
		return 12288
	}
}

func (t Tier) tokenBudget() int { return t.budgetChars() / 4 }

func (t Tier) memoryTier() memory.Tier {
	switch t {
	case TierMinimal:
		return memory.TierMinimal
	case TierStandard:
		return memory.TierStandard
	default:
		return memory.TierFull
	}
}

// PersonaProvider supplies the assembler's persona/capability/skill
// material. It is implemented in the application layer over a
// file-discovery prompt engine (soul.md + prompts/*.md), keeping that
// HOW while the Assembler decides WHAT tier to pull from it.
type PersonaProvider interface {
	// Persona returns the persona/"soul" text. full=false returns a
	// short (~30 line) excerpt for the minimal tier; full=true returns
	// the whole file.
	Persona(full bool) string
	// CapabilityManifest lists the names of currently registered tools.
	CapabilityManifest() []string
	// SkillDocs returns up to n skill documents whose keywords match query.
	SkillDocs(query string, n int) []string
}

// GoalSummary is the compact view of a Goal the assembler injects.
type GoalSummary struct {
	ID         string
	Title      string
	Status     string
	Milestones []string // completed milestone titles, for the full-tier activity log
}

// GoalsProvider supplies the active-goals list.
type GoalsProvider interface {
	ActiveGoals(ctx context.Context) ([]GoalSummary, error)
}

// MemorySearcher is the subset of the Memory Index façade the
// assembler calls.
type MemorySearcher interface {
	Search(ctx context.Context, query string, opts memory.Options) (memory.Result, error)
}

// AssembleRequest carries everything the tier heuristic and section
// builders need for one turn.
type AssembleRequest struct {
	SubmitterKey       string
	UserMessage        string
	Now                time.Time
	LastMessageAt      time.Time // zero if this is the first turn
	RecentTurns        []string  // last six turns, rendered "role: text"
	SessionTokensSoFar int
	Ceiling            int
	CostBudgetUsed     float64 // 0..1
	MoodHint           string
}

// AssembleResult is what one Assemble call produces.
type AssembleResult struct {
	Prompt      string
	Tier        Tier
	GateResult  BuildResult
	MemoryStats memory.Stats
}

// Assembler is the Context Assembler.
type Assembler struct {
	persona PersonaProvider
	goals   GoalsProvider
	mem     MemorySearcher
	gate    *Gate
}

func NewAssembler(persona PersonaProvider, goals GoalsProvider, mem MemorySearcher, gate *Gate) *Assembler {
	return &Assembler{persona: persona, goals: goals, mem: mem, gate: gate}
}

var complexityKeywords = []string{
	"design", "architecture", "plan", "workflow", "analyze", "compare",
	"investigate", "refactor", "migrate", "strategy", "tradeoff",
}

// selectTier implements tier heuristic: message length
// and complexity keywords, current context pressure, cost budget
// utilization, and an optional mood hint.
func (a *Assembler) selectTier(req AssembleRequest) Tier {
	score := 0

	length := len(req.UserMessage)
	switch {
	case length > 400:
		score += 2
	case length > 120:
		score += 1
	}

	lower := strings.ToLower(req.UserMessage)
	for _, kw := range complexityKeywords {
		if strings.Contains(lower, kw) {
			score++
		}
	}

	if req.Ceiling > 0 {
		pressure := float64(req.SessionTokensSoFar) / float64(req.Ceiling)
		if pressure > 0.6 {
			score--
		}
	}

	if req.CostBudgetUsed > 0.8 {
		score--
	}

	if req.MoodHint == "urgent" || req.MoodHint == "frustrated" {
		score--
	}

	switch {
	case score <= 0:
		return TierMinimal
	case score <= 2:
		return TierStandard
	default:
		return TierFull
	}
}

// headerLine matches Markdown-style section headers an injected user
// message might use to try to forge a fake context section.
var headerLine = regexp.MustCompile(`(?m)^#{2,3}\s.*$`)

// SanitizeUserText strips header-like lines from user-supplied text
// before it is placed into the assembled prompt.
func SanitizeUserText(text string) string {
	return strings.TrimSpace(headerLine.ReplaceAllString(text, ""))
}

// Assemble builds the dynamic per-turn prompt and runs it through the
// Context Gate before returning.
func (a *Assembler) Assemble(ctx context.Context, req AssembleRequest) (AssembleResult, error) {
	tier := a.selectTier(req)
	sanitizedUser := SanitizeUserText(req.UserMessage)

	var goals []GoalSummary
	if a.goals != nil {
		goals, _ = a.goals.ActiveGoals(ctx)
	}

	var memResult memory.Result
	if a.mem != nil {
		goalRefs := make([]memory.GoalRef, 0, len(goals))
		for _, g := range goals {
			goalRefs = append(goalRefs, memory.GoalRef{ID: g.ID, Title: g.Title})
		}
		memResult, _ = a.mem.Search(ctx, sanitizedUser, memory.Options{
			SubmitterKey: req.SubmitterKey,
			Tier:         tier.memoryTier(),
			TokenBudget:  tier.tokenBudget() / 3,
			ActiveGoals:  goalRefs,
		})
	}

	sections := a.buildSections(tier, req, sanitizedUser, goals, memResult)

	gateCfg := DefaultGateConfig(req.Ceiling)
	gate := a.gate
	if gate == nil {
		gate = NewGate(gateCfg, nil)
	}
	built := gate.Build(sections, req.SessionTokensSoFar)

	return AssembleResult{Prompt: built.Prompt, Tier: tier, GateResult: built, MemoryStats: memResult.Stats}, nil
}

func (a *Assembler) buildSections(tier Tier, req AssembleRequest, sanitizedUser string, goals []GoalSummary, memResult memory.Result) []Section {
	var sections []Section

	if a.persona != nil {
		sections = append(sections, Section{Name: "persona", Text: a.persona.Persona(tier == TierFull), Priority: 0})
	}

	if a.persona != nil {
		tools := a.persona.CapabilityManifest()
		if len(tools) > 0 {
			sections = append(sections, Section{
				Name:     "capabilities",
				Text:     "## Capabilities\nAvailable tools: " + strings.Join(tools, ", "),
				Priority: 1,
			})
		}
	}

	if tier != TierMinimal && a.persona != nil {
		skillCount := 3
		if tier == TierFull {
			skillCount = 8
		}
		if docs := a.persona.SkillDocs(sanitizedUser, skillCount); len(docs) > 0 {
			sections = append(sections, Section{
				Name:     "skills",
				Text:     "## Relevant skills\n" + strings.Join(docs, "\n---\n"),
				Priority: 4,
			})
		}
	}

	if len(goals) > 0 {
		sections = append(sections, Section{Name: "goals", Text: renderGoals(goals, tier == TierFull), Priority: 3})
	}

	if memResult.ContextBlock != "" {
		sections = append(sections, Section{Name: "memories", Text: "## Relevant memories\n" + memResult.ContextBlock, Priority: 2})
	}

	if recap := a.timeAndGapRecap(req); recap != "" {
		sections = append(sections, Section{Name: "time-context", Text: recap, Priority: 5})
	}

	if flag := followUpFlag(req.UserMessage); flag != "" {
		sections = append(sections, Section{Name: "tone-flag", Text: flag, Priority: 5})
	}

	return sections
}

func renderGoals(goals []GoalSummary, full bool) string {
	var b strings.Builder
	b.WriteString("## Active goals\n")
	for _, g := range goals {
		fmt.Fprintf(&b, "- [%s] %s\n", g.Status, g.Title)
		if full {
			for _, m := range g.Milestones {
				fmt.Fprintf(&b, "  - done: %s\n", m)
			}
		}
	}
	return b.String()
}

const gapRecapThreshold = 4 * time.Hour

// timeAndGapRecap renders the time-of-day context and, when the
// correspondent has been idle more than 4 hours, a short recap of the
// last six turns.
func (a *Assembler) timeAndGapRecap(req AssembleRequest) string {
	if req.Now.IsZero() {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## Context\nLocal time: %s\n", req.Now.Format("Mon 15:04"))

	if !req.LastMessageAt.IsZero() && req.Now.Sub(req.LastMessageAt) > gapRecapThreshold {
		b.WriteString("The user has been away for a while. Recap of the last turns:\n")
		turns := req.RecentTurns
		if len(turns) > 6 {
			turns = turns[len(turns)-6:]
		}
		for _, t := range turns {
			fmt.Fprintf(&b, "- %s\n", t)
		}
	}
	return b.String()
}

var frustratedMarkers = []string{"again", "still", "ugh", "come on", "seriously", "???", "!!!"}

// followUpFlag applies the short-message heuristic from // step 7: terse, marker-laden messages are flagged as a likely
// follow-up to unresolved frustration rather than a fresh request.
func followUpFlag(userMessage string) string {
	if len(userMessage) == 0 || len(userMessage) > 60 {
		return ""
	}
	lower := strings.ToLower(userMessage)
	for _, marker := range frustratedMarkers {
		if strings.Contains(lower, marker) {
			return "## Tone\nThis looks like a short, possibly frustrated follow-up to something unresolved. Address it directly rather than restarting from scratch."
		}
	}
	return ""
}
