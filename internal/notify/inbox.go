package notify

import (
	"context"

	"github.com/jogardn/bookstore-fulfillment/internal/apperr"
	"github.com/jogardn/bookstore-fulfillment/pkg/models"
)

const DefaultInboxLimit = 50

// Inbox is the recipient's view of persisted notifications. Only the owner
// may read, mark or delete a notification.
type Inbox struct {
	store Store
}

func NewInbox(store Store) *Inbox {
	return &Inbox{store: store}
}

func (i *Inbox) List(ctx context.Context, userID string, limit int) ([]*models.Notification, error) {
	if userID == "" {
		return nil, apperr.Unauthorized("authentication required")
	}
	if limit <= 0 || limit > DefaultInboxLimit {
		limit = DefaultInboxLimit
	}
	return i.store.ListByUser(ctx, userID, limit)
}

func (i *Inbox) MarkRead(ctx context.Context, userID, id string) (*models.Notification, error) {
	if err := i.authorize(ctx, userID, id); err != nil {
		return nil, err
	}
	return i.store.MarkRead(ctx, id)
}

func (i *Inbox) Delete(ctx context.Context, userID, id string) error {
	if err := i.authorize(ctx, userID, id); err != nil {
		return err
	}
	return i.store.Delete(ctx, id)
}

func (i *Inbox) authorize(ctx context.Context, userID, id string) error {
	n, err := i.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if n.UserID != userID {
		return apperr.Unauthorized("not authorized to modify this notification")
	}
	return nil
}
