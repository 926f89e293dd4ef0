package persistence

import (
	"context"

	"gorm.io/gorm"

	"github.com/kestrelrun/kestrel/internal/domain/entity"
	"github.com/kestrelrun/kestrel/internal/domain/repository"
	domainErrors "github.com/kestrelrun/kestrel/pkg/errors"
)

// GormMessageRepository is the GORM-backed repository.MessageRepository.
type GormMessageRepository struct {
	db *gorm.DB
}

func NewGormMessageRepository(db *gorm.DB) repository.MessageRepository {
	return &GormMessageRepository{db: db}
}

func (r *GormMessageRepository) Save(ctx context.Context, record *entity.MessageRecord) error {
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return domainErrors.NewInternalError("failed to save message record: " + err.Error())
	}
	return nil
}

func (r *GormMessageRepository) RecentByConversation(ctx context.Context, conversationID string, limit int) ([]*entity.MessageRecord, error) {
	var rows []*entity.MessageRecord
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, domainErrors.NewInternalError("failed to list message records: " + err.Error())
	}
	return rows, nil
}
