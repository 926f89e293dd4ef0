package tool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// The structured memory file lives at ~/.kestrel/memory.json: a small
// set of categorized facts the save_memory tool maintains and the
// Memory Index's user-notes slice reads. A legacy markdown memory.md
// is migrated on first load.

const (
	memoryDirName  = ".kestrel"
	memoryFileJSON = "memory.json"
	memoryFileMD   = "memory.md" // legacy — auto-migrated on first load
	dailyLogDir    = "memory"    // ~/.kestrel/memory/YYYY-MM-DD.md
)

// MemoryFact is one remembered statement with its provenance.
type MemoryFact struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	Category   string  `json:"category"`           // preference|knowledge|context|behavior|goal
	Confidence float64 `json:"confidence"`         // 0.0-1.0
	Source     string  `json:"source,omitempty"`   // "user"|"compaction"|"agent"
	CreatedAt  string  `json:"createdAt"`
}

// MemoryStore is the memory.json document.
type MemoryStore struct {
	Context struct {
		WorkContext     string `json:"workContext"`
		PersonalContext string `json:"personalContext"`
	} `json:"context"`
	Facts []MemoryFact `json:"facts"`
}

// ValidCategories gates the category argument of save_memory.
var ValidCategories = map[string]bool{
	"preference": true,
	"knowledge":  true,
	"context":    true,
	"behavior":   true,
	"goal":       true,
}

func kestrelHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/tmp"
	}
	return filepath.Join(home, memoryDirName)
}

// LoadMemoryStore reads memory.json, migrating a legacy memory.md the
// first time one is found without a JSON store beside it.
func LoadMemoryStore() (*MemoryStore, error) {
	data, err := os.ReadFile(filepath.Join(kestrelHome(), memoryFileJSON))
	if err == nil && len(data) > 0 {
		var store MemoryStore
		if err := json.Unmarshal(data, &store); err != nil {
			return nil, fmt.Errorf("corrupt memory.json: %w", err)
		}
		return &store, nil
	}

	store := &MemoryStore{}
	if mdData, err := os.ReadFile(filepath.Join(kestrelHome(), memoryFileMD)); err == nil {
		store.Facts = migrateLegacyFacts(string(mdData))
	}
	return store, nil
}

// SaveMemoryStore writes the store back to memory.json.
func SaveMemoryStore(store *MemoryStore) error {
	path := filepath.Join(kestrelHome(), memoryFileJSON)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// GetTopFacts returns up to n facts, highest confidence first.
func GetTopFacts(store *MemoryStore, n int) []MemoryFact {
	if len(store.Facts) == 0 {
		return nil
	}
	sorted := append([]MemoryFact(nil), store.Facts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})
	if n > 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// migrateLegacyFacts turns a markdown bullet list into facts.
func migrateLegacyFacts(content string) []MemoryFact {
	var facts []MemoryFact
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "- ") {
			continue
		}
		text := strings.TrimSpace(strings.TrimPrefix(line, "- "))
		if text == "" {
			continue
		}
		facts = append(facts, MemoryFact{
			ID:         uuid.New().String()[:8],
			Content:    text,
			Category:   "knowledge",
			Confidence: 0.7,
			Source:     "compaction",
			CreatedAt:  time.Now().Format(time.RFC3339),
		})
	}
	return facts
}

// ─── Daily logs ───

// AppendDailyLog adds a timestamped line to today's
// ~/.kestrel/memory/YYYY-MM-DD.md. Cron announcements and other
// notable moments land here; the prompt engine and the Memory Index's
// daily-notes slice read it back.
func AppendDailyLog(entry string) error {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return nil
	}

	dir := filepath.Join(kestrelHome(), dailyLogDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create daily log dir: %w", err)
	}

	now := time.Now()
	path := filepath.Join(dir, now.Format("2006-01-02")+".md")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open daily log: %w", err)
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "- [%s] %s\n", now.Format("15:04"), entry)
	return err
}

// ReadDailyLogs returns yesterday's and today's logs, each tail-capped
// for prompt budget, or "" when neither exists.
func ReadDailyLogs() string {
	const tailCap = 2000
	dir := filepath.Join(kestrelHome(), dailyLogDir)
	now := time.Now()

	var parts []string
	for _, offset := range []int{-1, 0} {
		day := now.AddDate(0, 0, offset)
		data, err := os.ReadFile(filepath.Join(dir, day.Format("2006-01-02")+".md"))
		if err != nil || len(data) == 0 {
			continue
		}
		content := strings.TrimSpace(string(data))
		if len(content) > tailCap {
			content = "...\n" + content[len(content)-tailCap:]
		}
		label := day.Format("2006-01-02")
		if offset == 0 {
			label += " (today)"
		} else {
			label += " (yesterday)"
		}
		parts = append(parts, fmt.Sprintf("### %s\n%s", label, content))
	}
	return strings.Join(parts, "\n\n")
}
