// Package prompt assembles the system prompt from user-editable files
// under ~/.kestrel: the soul (persona core), conditional components,
// model variants, and per-channel overlays, plus the capability
// manifest and long-term memory sections built at call time.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	toolpkg "github.com/kestrelrun/kestrel/internal/infrastructure/tool"
	"go.uber.org/zap"
)

// PromptEngine discovers prompt files from three layers and assembles
// a context-aware system prompt per call.
//
//	System layer:    ~/.kestrel/           — global defaults
//	Workspace layer: <project>/.kestrel/   — project overrides (same name wins)
//	Channel layer:   ~/.kestrel/<channel>/ — per-channel overlays (cli, telegram)
type PromptEngine struct {
	mu sync.RWMutex

	soul         string
	components   []*PromptComponent
	variants     map[string]*PromptComponent // model substring → variant
	channelSouls map[string]string
	channelComps map[string][]*PromptComponent

	systemDir string // ~/.kestrel
	wsDir     string // <workspace>/.kestrel, may be empty
	logger    *zap.Logger
}

// channels with their own overlay directory under systemDir.
var overlayChannels = []string{"cli", "telegram"}

// NewPromptEngine creates an engine; call Discover to load files.
// workspaceDir may be empty (no workspace layer).
func NewPromptEngine(workspaceDir string, logger *zap.Logger) *PromptEngine {
	homeDir, _ := os.UserHomeDir()
	e := &PromptEngine{
		variants:     make(map[string]*PromptComponent),
		channelSouls: make(map[string]string),
		channelComps: make(map[string][]*PromptComponent),
		systemDir:    filepath.Join(homeDir, ".kestrel"),
		logger:       logger,
	}
	if workspaceDir != "" {
		e.wsDir = filepath.Join(workspaceDir, ".kestrel")
	}
	return e
}

// layerDirs returns system-then-workspace paths for one subdirectory,
// so a workspace file with the same component name replaces the
// system one.
func (e *PromptEngine) layerDirs(sub string) []string {
	dirs := []string{filepath.Join(e.systemDir, sub)}
	if e.wsDir != "" {
		dirs = append(dirs, filepath.Join(e.wsDir, sub))
	}
	return dirs
}

// scanComponents parses every *.md in dirs into a name-keyed map,
// later dirs overriding earlier ones.
func (e *PromptEngine) scanComponents(dirs []string) map[string]*PromptComponent {
	out := make(map[string]*PromptComponent)
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			e.logger.Warn("prompt: create dir failed", zap.String("dir", dir), zap.Error(err))
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			comp, err := ParsePromptFile(filepath.Join(dir, entry.Name()))
			if err != nil {
				e.logger.Warn("prompt: parse failed", zap.String("file", entry.Name()), zap.Error(err))
				continue
			}
			out[comp.Name] = comp
		}
	}
	return out
}

// readSoul returns the last-found soul.md across paths ("" if none).
func readSoul(paths []string) string {
	soul := ""
	for _, p := range paths {
		if data, err := os.ReadFile(filepath.Join(p, "soul.md")); err == nil {
			if s := strings.TrimSpace(string(data)); s != "" {
				soul = s
			}
		}
	}
	return soul
}

// Discover (re)loads every prompt file. Safe to call again for a
// hot reload.
func (e *PromptEngine) Discover() error {
	soul := readSoul(e.layerDirs(""))

	compMap := e.scanComponents(e.layerDirs("prompts"))
	components := make([]*PromptComponent, 0, len(compMap))
	for _, c := range compMap {
		components = append(components, c)
	}

	variants := e.scanComponents(e.layerDirs(filepath.Join("prompts", "variants")))

	channelSouls := make(map[string]string)
	channelComps := make(map[string][]*PromptComponent)
	for _, channel := range overlayChannels {
		channelDir := filepath.Join(e.systemDir, channel)
		if s := readSoul([]string{channelDir}); s != "" {
			channelSouls[channel] = s
		}
		compsByName := e.scanComponents([]string{filepath.Join(channelDir, "prompts")})
		for _, c := range compsByName {
			channelComps[channel] = append(channelComps[channel], c)
		}
	}

	e.mu.Lock()
	e.soul = soul
	e.components = components
	e.variants = variants
	e.channelSouls = channelSouls
	e.channelComps = channelComps
	e.mu.Unlock()

	e.logger.Info("prompt: engine loaded",
		zap.Bool("has_soul", soul != ""),
		zap.Int("components", len(components)),
		zap.Int("variants", len(variants)),
		zap.Int("channel_overlays", len(channelSouls)+len(channelComps)),
	)
	return nil
}

// Assemble builds the system prompt for one call:
//
//  1. soul (core persona — always first)
//  2. channel soul overlay
//  3. runtime environment block
//  4. capability manifest (registered tools)
//  5. model variant
//  6. eligible components, channel overlays replacing same-name shared
//     ones, sorted by priority
//  7. long-term memory (daily logs + workspace MEMORY.md)
//  8. token-budget cut
//
// Assembly is never cached: the memory sections read files that change
// between calls.
func (e *PromptEngine) Assemble(ctx PromptContext) string {
	if ctx.DetectedIntent == IntentGeneral && ctx.UserMessage != "" {
		ctx.DetectedIntent = AnalyzeIntent(ctx.UserMessage)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	var sections []string
	push := func(s string) {
		if s != "" {
			sections = append(sections, s)
		}
	}

	push(e.soul)
	push(e.channelSouls[ctx.Channel])
	push(BuildRuntimeBlock(RuntimeBlockOptions{
		Channel:   ctx.Channel,
		ModelName: ctx.ModelName,
		Workspace: ctx.Workspace,
	}))
	push(buildToolingSection(ctx))
	if v := e.matchVariant(ctx.ModelName); v != nil {
		push(v.Content)
	}
	for _, comp := range e.mergedComponents(ctx) {
		push(comp.Content)
	}
	push(e.loadMemoryFiles())

	result := strings.Join(sections, "\n\n---\n\n")

	// Rough budget cut: 1 token ≈ 3 chars for CJK-heavy text.
	if ctx.MaxTokenBudget > 0 {
		if maxChars := ctx.MaxTokenBudget * 3; len(result) > maxChars {
			result = result[:maxChars] + "\n\n[System prompt truncated due to token budget]"
			e.logger.Warn("prompt: truncated to budget",
				zap.Int("budget_tokens", ctx.MaxTokenBudget))
		}
	}
	return result
}

// mergedComponents returns the eligible shared components with
// same-name channel overlays substituted in, sorted by priority.
func (e *PromptEngine) mergedComponents(ctx PromptContext) []*PromptComponent {
	overlayNames := make(map[string]bool)
	var merged []*PromptComponent

	for _, comp := range e.channelComps[ctx.Channel] {
		if meetsRequirements(comp, ctx) {
			merged = append(merged, comp)
			overlayNames[comp.Name] = true
		}
	}
	for _, comp := range e.components {
		if !overlayNames[comp.Name] && meetsRequirements(comp, ctx) {
			merged = append(merged, comp)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Priority < merged[j].Priority
	})
	return merged
}

// meetsRequirements applies a component's load conditions (AND).
func meetsRequirements(comp *PromptComponent, ctx PromptContext) bool {
	req := comp.Requires
	if req == nil {
		return true
	}
	for _, t := range req.Tools {
		if !ctx.HasTool(t) {
			return false
		}
	}
	if len(req.AnyTool) > 0 && !ctx.HasAnyTool(req.AnyTool) {
		return false
	}
	if len(req.Intent) > 0 && !containsFold(req.Intent, ctx.DetectedIntent.String()) {
		return false
	}
	if len(req.Model) > 0 {
		model := strings.ToLower(ctx.ModelName)
		matched := false
		for _, m := range req.Model {
			if strings.Contains(model, strings.ToLower(m)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func containsFold(list []string, want string) bool {
	for _, s := range list {
		if strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}

// matchVariant picks the variant whose key appears in the model name,
// falling back to "default".
func (e *PromptEngine) matchVariant(modelName string) *PromptComponent {
	lower := strings.ToLower(modelName)
	if lower != "" {
		for key, v := range e.variants {
			if strings.Contains(lower, strings.ToLower(key)) {
				return v
			}
		}
	}
	return e.variants["default"]
}

// buildToolingSection renders the capability manifest: which tools the
// host exposes (by TOOL_CALL marker or direct registration) and how to
// use them without narrating every call.
func buildToolingSection(ctx PromptContext) string {
	if len(ctx.RegisteredTools) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Tooling\n\nAvailable tools (names are case-sensitive):\n\n")
	for _, name := range ctx.RegisteredTools {
		if summary := firstSentence(ctx.ToolSummaries[name]); summary != "" {
			sb.WriteString("- " + name + ": " + summary + "\n")
		} else {
			sb.WriteString("- " + name + "\n")
		}
	}

	sb.WriteString("\n## Tool Call Style\n\n")
	sb.WriteString("Do not narrate routine, low-risk tool calls — just call the tool.\n")
	sb.WriteString("Narrate briefly for multi-step work, sensitive actions (deletions), or when the user asks.\n")
	sb.WriteString("After a successful send_photo/send_document, stop — do not re-send unless asked.\n")
	return sb.String()
}

// firstSentence truncates a description to its first sentence or line,
// capped at 80 chars.
func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if idx := strings.Index(s, ". "); idx >= 0 && idx < 80 {
		return s[:idx+1]
	}
	if len(s) > 80 {
		return s[:80] + "…"
	}
	return s
}

// loadMemoryFiles renders the long-term memory section from the daily
// logs plus the workspace MEMORY.md, when either exists.
//
// NOTE: memory.json (structured facts) is intentionally NOT loaded
// here. Auto-extracted facts proved too noisy for the baseline prompt;
// per-message relevant facts are injected by the context assembler's
// memory index instead, under its own token budget.
func (e *PromptEngine) loadMemoryFiles() string {
	var parts []string

	if daily := toolpkg.ReadDailyLogs(); daily != "" {
		parts = append(parts, fmt.Sprintf("<MEMORY[daily_log]>\n%s\n</MEMORY[daily_log]>", daily))
	}

	if e.wsDir != "" {
		for _, mp := range []string{
			filepath.Join(filepath.Dir(e.wsDir), "MEMORY.md"), // <workspace>/MEMORY.md
			filepath.Join(e.wsDir, "memory.md"),               // legacy location
		} {
			if data, err := os.ReadFile(mp); err == nil && len(data) > 0 {
				parts = append(parts, fmt.Sprintf("<MEMORY[workspace]>\n%s\n</MEMORY[workspace]>", strings.TrimSpace(string(data))))
				break
			}
		}
	}

	if len(parts) == 0 {
		return ""
	}
	return "## Long-term Memory\n\n" + strings.Join(parts, "\n\n")
}
