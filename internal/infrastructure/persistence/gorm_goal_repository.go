package persistence

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/kestrelrun/kestrel/internal/domain/entity"
	"github.com/kestrelrun/kestrel/internal/domain/repository"
	domainErrors "github.com/kestrelrun/kestrel/pkg/errors"
)

// GormGoalRepository is the GORM-backed repository.GoalRepository.
type GormGoalRepository struct {
	db *gorm.DB
}

func NewGormGoalRepository(db *gorm.DB) repository.GoalRepository {
	return &GormGoalRepository{db: db}
}

func (r *GormGoalRepository) Save(ctx context.Context, goal *entity.Goal) error {
	if err := r.db.WithContext(ctx).Save(goal).Error; err != nil {
		return domainErrors.NewInternalError("failed to save goal: " + err.Error())
	}
	return nil
}

func (r *GormGoalRepository) FindByID(ctx context.Context, id string) (*entity.Goal, error) {
	var goal entity.Goal
	if err := r.db.WithContext(ctx).Preload("Milestones").First(&goal, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewNotFoundError("goal not found")
		}
		return nil, domainErrors.NewInternalError("failed to find goal: " + err.Error())
	}
	return &goal, nil
}

func (r *GormGoalRepository) FindActive(ctx context.Context) ([]*entity.Goal, error) {
	var goals []*entity.Goal
	err := r.db.WithContext(ctx).
		Preload("Milestones").
		Where("status = ?", entity.GoalActive).
		Order("created_at asc").
		Find(&goals).Error
	if err != nil {
		return nil, domainErrors.NewInternalError("failed to list active goals: " + err.Error())
	}
	return goals, nil
}

func (r *GormGoalRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&entity.Goal{}, "id = ?", id)
	if result.Error != nil {
		return domainErrors.NewInternalError("failed to delete goal: " + result.Error.Error())
	}
	if result.RowsAffected == 0 {
		return domainErrors.NewNotFoundError("goal not found")
	}
	return nil
}
