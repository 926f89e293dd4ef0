package tool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	domaintool "github.com/kestrelrun/kestrel/internal/domain/tool"
	"go.uber.org/zap"
)

// SaveMemoryTool persists a fact to ~/.kestrel/memory.json. A new
// fact that restates an existing one (same category, heavy word
// overlap) updates it in place instead of accumulating near-duplicates.
type SaveMemoryTool struct {
	mu     sync.Mutex
	logger *zap.Logger
}

func NewSaveMemoryTool(logger *zap.Logger) *SaveMemoryTool {
	return &SaveMemoryTool{logger: logger}
}

func (t *SaveMemoryTool) Name() string         { return "save_memory" }
func (t *SaveMemoryTool) Kind() domaintool.Kind { return domaintool.KindThink }
func (t *SaveMemoryTool) Description() string {
	return "Save an important fact to long-term memory: user preferences, environment details, " +
		"decisions, or corrections that should survive across sessions."
}

func (t *SaveMemoryTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"fact": map[string]interface{}{
				"type":        "string",
				"description": "Concise, self-contained statement to remember",
			},
			"category": map[string]interface{}{
				"type":        "string",
				"description": "preference, knowledge, context, behavior, or goal (default knowledge)",
				"enum":        []string{"preference", "knowledge", "context", "behavior", "goal"},
			},
			"confidence": map[string]interface{}{
				"type":        "number",
				"description": "How certain the fact is, 0.0-1.0 (default 0.8)",
			},
		},
		"required": []string{"fact"},
	}
}

func (t *SaveMemoryTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	raw, _ := args["fact"].(string)
	fact := strings.TrimLeft(strings.Join(strings.Fields(raw), " "), "- ")
	if fact == "" {
		return failure("fact is required"), nil
	}

	category := "knowledge"
	if cat, ok := args["category"].(string); ok && ValidCategories[cat] {
		category = cat
	}
	confidence := 0.8
	if conf, ok := args["confidence"].(float64); ok && conf >= 0 && conf <= 1 {
		confidence = conf
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	store, err := LoadMemoryStore()
	if err != nil {
		return failure("load memory: %v", err), nil
	}

	// Restatement check: same category + strong word overlap means
	// this is the same fact, possibly corrected — update in place.
	for i, existing := range store.Facts {
		if existing.Category != category || wordOverlap(existing.Content, fact) < 0.8 {
			continue
		}
		store.Facts[i].Content = fact
		store.Facts[i].Confidence = confidence
		store.Facts[i].CreatedAt = time.Now().Format(time.RFC3339)
		if err := SaveMemoryStore(store); err != nil {
			return failure("save memory: %v", err), nil
		}
		t.logger.Info("memory updated", zap.String("fact", fact), zap.String("category", category))
		return &Result{
			Output:  fmt.Sprintf("Updated existing memory: %q", fact),
			Display: fmt.Sprintf("💾 Updated: [%s] %s", category, fact),
			Success: true,
		}, nil
	}

	store.Facts = append(store.Facts, MemoryFact{
		ID:         uuid.New().String()[:8],
		Content:    fact,
		Category:   category,
		Confidence: confidence,
		Source:     "agent",
		CreatedAt:  time.Now().Format(time.RFC3339),
	})
	if err := SaveMemoryStore(store); err != nil {
		return failure("save memory: %v", err), nil
	}

	t.logger.Info("memory saved", zap.String("fact", fact), zap.String("category", category))
	return &Result{
		Output:  fmt.Sprintf("Remembered: %q [%s, %.1f]", fact, category, confidence),
		Display: fmt.Sprintf("💾 Saved: [%s] %s (%.0f%%)", category, fact, confidence*100),
		Success: true,
	}, nil
}

// wordOverlap is the Jaccard similarity of the two statements' word
// sets, case-insensitive. 1.0 means the same words, order aside.
func wordOverlap(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	common := 0
	for w := range setA {
		if setB[w] {
			common++
		}
	}
	union := len(setA) + len(setB) - common
	return float64(common) / float64(union)
}

func wordSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[strings.Trim(w, ".,!?;:\"'")] = true
	}
	return out
}
