package application

import (
	"strings"

	"github.com/kestrelrun/kestrel/internal/infrastructure/prompt"
)

// PersonaAdapter implements context.PersonaProvider over the
// file-discovery prompt engine (soul.md + prompts/*.md), letting the
// Context Assembler decide WHAT tier to pull while the engine keeps
// deciding HOW persona/skill material is discovered and merged across
// its System/Workspace/Channel layers.
type PersonaAdapter struct {
	engine    *prompt.PromptEngine
	tools     []string
	summaries map[string]string
}

func NewPersonaAdapter(engine *prompt.PromptEngine, tools []string, summaries map[string]string) *PersonaAdapter {
	return &PersonaAdapter{engine: engine, tools: tools, summaries: summaries}
}

// Persona returns the assembled soul text. full=false trims to the
// first ~30 lines for the minimal tier; full=true returns everything
// the engine assembles for a soul-only context.
func (p *PersonaAdapter) Persona(full bool) string {
	rendered := p.engine.Assemble(prompt.PromptContext{
		RegisteredTools: p.tools,
		ToolSummaries:   p.summaries,
	})
	if full {
		return rendered
	}
	lines := strings.Split(rendered, "\n")
	const minimalLines = 30
	if len(lines) > minimalLines {
		lines = lines[:minimalLines]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func (p *PersonaAdapter) CapabilityManifest() []string {
	return p.tools
}

// SkillDocs assembles the engine's full component set scoped to query
// (via PromptContext.UserMessage-driven intent detection) and returns
// up to n paragraph-sized chunks as individual skill documents.
func (p *PersonaAdapter) SkillDocs(query string, n int) []string {
	rendered := p.engine.Assemble(prompt.PromptContext{
		RegisteredTools: p.tools,
		ToolSummaries:   p.summaries,
		UserMessage:     query,
		DetectedIntent:  prompt.AnalyzeIntent(query),
	})
	paragraphs := strings.Split(rendered, "\n\n")
	out := make([]string, 0, n)
	for _, para := range paragraphs {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		out = append(out, para)
		if len(out) >= n {
			break
		}
	}
	return out
}
