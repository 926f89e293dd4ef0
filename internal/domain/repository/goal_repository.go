package repository

import (
	"context"

	"github.com/kestrelrun/kestrel/internal/domain/entity"
)

// GoalRepository persists user-declared Goals and their Milestones,
// backing the Context Assembler's active-goals section and the Memory Index's goal-linked lookup.
type GoalRepository interface {
	Save(ctx context.Context, goal *entity.Goal) error
	FindByID(ctx context.Context, id string) (*entity.Goal, error)
	FindActive(ctx context.Context) ([]*entity.Goal, error)
	Delete(ctx context.Context, id string) error
}
