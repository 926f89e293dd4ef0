package persistence

import (
	"context"

	"gorm.io/gorm"

	"github.com/kestrelrun/kestrel/internal/domain/cron"
	"github.com/kestrelrun/kestrel/internal/domain/entity"
	domainErrors "github.com/kestrelrun/kestrel/pkg/errors"
)

// GormCronStore is the GORM-backed cron.Store.
type GormCronStore struct {
	db *gorm.DB
}

func NewGormCronStore(db *gorm.DB) cron.Store {
	return &GormCronStore{db: db}
}

func (s *GormCronStore) Save(ctx context.Context, job *entity.CronJob) error {
	if err := s.db.WithContext(ctx).Save(job).Error; err != nil {
		return domainErrors.NewInternalError("failed to save cron job: " + err.Error())
	}
	return nil
}

func (s *GormCronStore) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Delete(&entity.CronJob{}, "id = ?", id)
	if result.Error != nil {
		return domainErrors.NewInternalError("failed to delete cron job: " + result.Error.Error())
	}
	return nil
}

func (s *GormCronStore) List(ctx context.Context) ([]*entity.CronJob, error) {
	var jobs []*entity.CronJob
	if err := s.db.WithContext(ctx).Order("created_at asc").Find(&jobs).Error; err != nil {
		return nil, domainErrors.NewInternalError("failed to list cron jobs: " + err.Error())
	}
	return jobs, nil
}
