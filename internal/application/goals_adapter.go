package application

import (
	"context"

	domaincontext "github.com/kestrelrun/kestrel/internal/domain/context"
	"github.com/kestrelrun/kestrel/internal/domain/repository"
)

// GoalsAdapter implements context.GoalsProvider over the GORM-backed
// GoalRepository.
type GoalsAdapter struct {
	repo repository.GoalRepository
}

func NewGoalsAdapter(repo repository.GoalRepository) *GoalsAdapter {
	return &GoalsAdapter{repo: repo}
}

func (g *GoalsAdapter) ActiveGoals(ctx context.Context) ([]domaincontext.GoalSummary, error) {
	goals, err := g.repo.FindActive(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domaincontext.GoalSummary, 0, len(goals))
	for _, goal := range goals {
		var done []string
		for _, m := range goal.Milestones {
			if m.Done {
				done = append(done, m.Title)
			}
		}
		out = append(out, domaincontext.GoalSummary{
			ID:         goal.ID,
			Title:      goal.Title,
			Status:     string(goal.Status),
			Milestones: done,
		})
	}
	return out, nil
}
