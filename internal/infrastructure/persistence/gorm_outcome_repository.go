package persistence

import (
	"context"

	"gorm.io/gorm"

	"github.com/kestrelrun/kestrel/internal/domain/entity"
	"github.com/kestrelrun/kestrel/internal/domain/repository"
	domainErrors "github.com/kestrelrun/kestrel/pkg/errors"
)

// GormOutcomeRepository is the GORM-backed repository.OutcomeRepository.
type GormOutcomeRepository struct {
	db *gorm.DB
}

func NewGormOutcomeRepository(db *gorm.DB) repository.OutcomeRepository {
	return &GormOutcomeRepository{db: db}
}

func (r *GormOutcomeRepository) Save(ctx context.Context, outcome *entity.ReplyOutcome) error {
	if err := r.db.WithContext(ctx).Create(outcome).Error; err != nil {
		return domainErrors.NewInternalError("failed to save reply outcome: " + err.Error())
	}
	return nil
}

func (r *GormOutcomeRepository) RecentBySignal(ctx context.Context, signal string, limit int) ([]*entity.ReplyOutcome, error) {
	var rows []*entity.ReplyOutcome
	err := r.db.WithContext(ctx).
		Where("signal = ?", signal).
		Order("created_at desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, domainErrors.NewInternalError("failed to list reply outcomes: " + err.Error())
	}
	return rows, nil
}
