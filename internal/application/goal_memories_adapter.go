package application

import (
	"context"

	"github.com/kestrelrun/kestrel/internal/domain/memory"
	"github.com/kestrelrun/kestrel/internal/domain/repository"
)

// GoalMemoriesAdapter implements memory.GoalMemoriesSource by
// embedding a goal's title/description and searching the same
// semantic store the core Memory Index uses, filtered to nothing in
// particular (the store has no goal-scoping metadata yet) — it simply
// re-ranks the general store by relevance to the goal's own text. This
// feeds the Index's 30-minute goal-topic cache.
type GoalMemoriesAdapter struct {
	goals    repository.GoalRepository
	store    memory.VectorStore
	embedder memory.EmbeddingProvider
}

func NewGoalMemoriesAdapter(goals repository.GoalRepository, store memory.VectorStore, embedder memory.EmbeddingProvider) *GoalMemoriesAdapter {
	return &GoalMemoriesAdapter{goals: goals, store: store, embedder: embedder}
}

func (a *GoalMemoriesAdapter) MemoriesForGoal(ctx context.Context, goalID string) ([]memory.Item, error) {
	goal, err := a.goals.FindByID(ctx, goalID)
	if err != nil {
		return nil, err
	}
	vec, err := a.embedder.Embed(ctx, goal.Title+" "+goal.Description)
	if err != nil {
		return nil, err
	}
	entries, err := a.store.Search(ctx, vec, 5, &memory.SearchFilter{})
	if err != nil {
		return nil, err
	}
	items := make([]memory.Item, 0, len(entries))
	for _, e := range entries {
		items = append(items, memory.Item{Text: e.Content, Score: float64(e.Score), Section: "goal"})
	}
	return items, nil
}
