package repository

import (
	"context"

	"github.com/kestrelrun/kestrel/internal/domain/entity"
)

// MessageRepository persists the per-correspondent turn audit trail.
type MessageRepository interface {
	// Save appends one turn record.
	Save(ctx context.Context, record *entity.MessageRecord) error

	// RecentByConversation returns the newest limit records for one
	// conversation, newest first. Used to rebuild a history view after
	// a restart.
	RecentByConversation(ctx context.Context, conversationID string, limit int) ([]*entity.MessageRecord, error)
}
