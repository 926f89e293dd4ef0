package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kestrelrun/kestrel/internal/domain/entity"
	domainErrors "github.com/kestrelrun/kestrel/pkg/errors"
)

// GormOpsLog records per-call cost entries and component errors. Both
// writes are best-effort from the caller's point of view: a failed
// insert never fails the turn that produced it.
type GormOpsLog struct {
	db *gorm.DB
}

func NewGormOpsLog(db *gorm.DB) *GormOpsLog {
	return &GormOpsLog{db: db}
}

func (l *GormOpsLog) RecordCost(ctx context.Context, e *entity.CostEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if err := l.db.WithContext(ctx).Create(e).Error; err != nil {
		return domainErrors.NewInternalError("failed to record cost entry: " + err.Error())
	}
	return nil
}

func (l *GormOpsLog) RecordError(ctx context.Context, component, kind, message string) error {
	row := &entity.ErrorLogEntry{
		ID:        uuid.New().String(),
		Component: component,
		Kind:      kind,
		Message:   message,
		CreatedAt: time.Now(),
	}
	if err := l.db.WithContext(ctx).Create(row).Error; err != nil {
		return domainErrors.NewInternalError("failed to record error entry: " + err.Error())
	}
	return nil
}

// RecentErrors returns up to limit error rows, newest first. The IPC
// /status endpoint does not call it.
func (l *GormOpsLog) RecentErrors(ctx context.Context, limit int) ([]*entity.ErrorLogEntry, error) {
	var rows []*entity.ErrorLogEntry
	err := l.db.WithContext(ctx).
		Order("created_at desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, domainErrors.NewInternalError("failed to list error entries: " + err.Error())
	}
	return rows, nil
}
