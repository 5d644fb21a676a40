package repository

import (
	"context"
	"time"

	"github.com/jefftrojan/twigane/internal/model"
)

// Store persists notification records.
type Store interface {
	Insert(ctx context.Context, n *model.Notification) error
	// FindByUser returns up to limit records for userID, newest first.
	FindByUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*model.Notification, error)
	// MarkRead flips read on the unread record owned by userID and reports
	// whether a record was modified.
	MarkRead(ctx context.Context, id, userID string) (bool, error)
	// DeleteExpired removes records whose expiry is before t.
	DeleteExpired(ctx context.Context, t time.Time) (int64, error)
}
