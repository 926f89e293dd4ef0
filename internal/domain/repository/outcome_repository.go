package repository

import (
	"context"

	"github.com/kestrelrun/kestrel/internal/domain/entity"
)

// OutcomeRepository persists classified ReplyOutcome rows for the
// Outcome Tracker.
type OutcomeRepository interface {
	Save(ctx context.Context, outcome *entity.ReplyOutcome) error
	RecentBySignal(ctx context.Context, signal string, limit int) ([]*entity.ReplyOutcome, error)
}
