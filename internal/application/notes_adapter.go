package application

import (
	"context"
	"fmt"
	"strings"

	"github.com/kestrelrun/kestrel/internal/domain/cron"
	"github.com/kestrelrun/kestrel/internal/domain/memory"
	toolpkg "github.com/kestrelrun/kestrel/internal/infrastructure/tool"
)

// memoryNotesAdapter backs the Memory Index's daily-notes and
// user-notes slices with the ~/.kestrel/memory files: daily logs for
// DailyNotes, the structured memory.json facts (written by the
// save_memory tool) for UserNotes.
type memoryNotesAdapter struct{}

func NewMemoryNotesAdapter() memory.NotesSource {
	return memoryNotesAdapter{}
}

func (memoryNotesAdapter) DailyNotes(ctx context.Context) ([]memory.Item, error) {
	content := toolpkg.ReadDailyLogs()
	if content == "" {
		return nil, nil
	}
	var items []memory.Item
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "- ") {
			continue
		}
		items = append(items, memory.Item{
			Text:    strings.TrimPrefix(line, "- "),
			Score:   0.5,
			Section: "Daily notes",
		})
		if len(items) >= 12 {
			break
		}
	}
	return items, nil
}

func (memoryNotesAdapter) UserNotes(ctx context.Context) ([]memory.Item, error) {
	store, err := toolpkg.LoadMemoryStore()
	if err != nil {
		return nil, err
	}
	var items []memory.Item
	for _, f := range toolpkg.GetTopFacts(store, 10) {
		items = append(items, memory.Item{
			Text:    fmt.Sprintf("[%s] %s", f.Category, f.Content),
			Score:   f.Confidence,
			Section: "User notes",
		})
	}
	return items, nil
}

// cronIntentionsAdapter answers the Memory Index's intentions lookup
// with upcoming reminder crons whose name or prompt matches the topic.
type cronIntentionsAdapter struct {
	store cron.Store
}

func NewCronIntentionsAdapter(store cron.Store) memory.IntentionsSource {
	return &cronIntentionsAdapter{store: store}
}

func (a *cronIntentionsAdapter) LookupByTopic(ctx context.Context, topic string) ([]memory.Item, error) {
	jobs, err := a.store.List(ctx)
	if err != nil {
		return nil, err
	}

	words := significantWords(topic)
	if len(words) == 0 {
		return nil, nil
	}

	var items []memory.Item
	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		haystack := strings.ToLower(job.Name + " " + job.Prompt)
		matched := false
		for _, w := range words {
			if strings.Contains(haystack, w) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		text := fmt.Sprintf("Standing reminder %q (%s)", job.Name, job.Schedule)
		if !job.NextRun.IsZero() {
			text += ", next run " + job.NextRun.Format("Mon 15:04")
		}
		items = append(items, memory.Item{
			Text:    text,
			Score:   0.6,
			Section: "Intentions",
		})
	}
	return items, nil
}

// significantWords lowercases topic and keeps words of 4+ bytes, so a
// short utterance like "um ok" never matches every reminder.
func significantWords(topic string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(topic)) {
		if len(w) >= 4 {
			out = append(out, w)
		}
	}
	return out
}
