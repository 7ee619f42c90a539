// Package ledger owns the order aggregate. Every write to an order's
// fulfillment state goes through Ledger.Apply, which stores the new state and
// its timeline entry only if the order is still in one of the expected
// statuses.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jogardn/bookstore-fulfillment/internal/apperr"
	"github.com/jogardn/bookstore-fulfillment/pkg/models"
	"github.com/sirupsen/logrus"
)

// Change describes one conditional write. From is the set of statuses the
// order must currently be in; To is left empty when the status stays put.
type Change struct {
	From                []models.DeliveryStatus
	To                  models.DeliveryStatus
	Entry               models.TimelineEntry
	DeliveryPartnerID   string
	PendingPartnerID    string
	ClearPendingPartner bool
	MarkDelivered       bool
	MarkCancelled       bool
	At                  time.Time
}

// Store is the persistence behind the ledger. Apply must compare the current
// status against c.From and write in the same atomic operation, returning an
// apperr Conflict when the order exists but no longer matches.
type Store interface {
	Create(ctx context.Context, order *models.Order) error
	Get(ctx context.Context, id string) (*models.Order, error)
	Apply(ctx context.Context, id string, c Change) (*models.Order, error)
	MarkPaid(ctx context.Context, id string, result models.PaymentResult, at time.Time) (*models.Order, error)
	SetVisibility(ctx context.Context, id string, visible bool) (*models.Order, error)
	ListByDeliveryPartner(ctx context.Context, partnerID string) ([]*models.Order, error)
}

type Ledger struct {
	store  Store
	logger *logrus.Logger
}

func New(store Store, logger *logrus.Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

// Create records a freshly checked-out order in the placed state.
func (l *Ledger) Create(ctx context.Context, order *models.Order) error {
	if order.ID == "" {
		return apperr.Validation("order id is required")
	}
	if order.UserID == "" {
		return apperr.Validation("order buyer is required")
	}
	if len(order.Items) == 0 {
		return apperr.Validation("order has no items")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	order.UpdatedAt = order.CreatedAt
	order.DeliveryStatus = models.StatusPlaced
	order.IsVisibleToUser = true
	if len(order.Timeline) == 0 {
		order.Timeline = []models.TimelineEntry{{
			Status:      string(models.StatusPlaced),
			Timestamp:   order.CreatedAt,
			Description: models.StatusPlaced.Describe(),
		}}
	}
	if err := l.store.Create(ctx, order); err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

func (l *Ledger) Get(ctx context.Context, id string) (*models.Order, error) {
	if id == "" {
		return nil, apperr.Validation("order id is required")
	}
	return l.store.Get(ctx, id)
}

// Apply validates c against the transition table and hands it to the store.
func (l *Ledger) Apply(ctx context.Context, id string, c Change) (*models.Order, error) {
	if err := Validate(c); err != nil {
		return nil, err
	}
	if c.At.IsZero() {
		c.At = time.Now()
	}
	if c.Entry.Timestamp.IsZero() {
		c.Entry.Timestamp = c.At
	}

	order, err := l.store.Apply(ctx, id, c)
	if err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			l.logger.WithFields(logrus.Fields{
				"order_id": id,
				"expected": c.From,
				"to":       c.To,
			}).Warn("Order changed concurrently, transition rejected")
		}
		return nil, err
	}

	l.logger.WithFields(logrus.Fields{
		"order_id":        id,
		"delivery_status": order.DeliveryStatus,
		"timeline_status": c.Entry.Status,
		"timeline_length": len(order.Timeline),
	}).Info("Order ledger updated")

	return order, nil
}

func (l *Ledger) MarkPaid(ctx context.Context, id string, result models.PaymentResult, at time.Time) (*models.Order, error) {
	if result.ID == "" {
		return nil, apperr.Validation("payment confirmation id is required")
	}
	return l.store.MarkPaid(ctx, id, result, at)
}

func (l *Ledger) Hide(ctx context.Context, id string) (*models.Order, error) {
	return l.store.SetVisibility(ctx, id, false)
}

func (l *Ledger) ListByDeliveryPartner(ctx context.Context, partnerID string) ([]*models.Order, error) {
	return l.store.ListByDeliveryPartner(ctx, partnerID)
}

// Validate rejects changes that do not follow the transition table or that
// would leave the order's flags inconsistent with its status.
func Validate(c Change) error {
	if len(c.From) == 0 {
		return apperr.Validation("change has no expected status")
	}
	if c.Entry.Status == "" || c.Entry.Description == "" {
		return apperr.Validation("change has no timeline entry")
	}
	if c.MarkDelivered && c.MarkCancelled {
		return apperr.InvalidState("an order cannot be both delivered and cancelled")
	}
	if c.MarkDelivered && c.To != models.StatusDelivered {
		return apperr.InvalidState("delivered flag requires delivered status")
	}
	if c.MarkCancelled && c.To != models.StatusCancelled {
		return apperr.InvalidState("cancelled flag requires cancelled status")
	}
	if c.To == models.StatusDelivered && !c.MarkDelivered {
		return apperr.InvalidState("delivered status requires delivered flag")
	}
	if c.To == models.StatusCancelled && !c.MarkCancelled {
		return apperr.InvalidState("cancelled status requires cancelled flag")
	}
	for _, from := range c.From {
		if from.Terminal() {
			return apperr.InvalidState("order in status %s cannot change", from)
		}
		if c.To != "" && !models.CanAdvance(from, c.To) {
			return apperr.InvalidState("cannot move order from %s to %s", from, c.To)
		}
	}
	return nil
}

// Contains reports whether status is one of statuses.
func Contains(statuses []models.DeliveryStatus, status models.DeliveryStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// ApplyTo mutates order in memory according to c. Stores that keep whole
// documents use it after their conditional check succeeds.
func ApplyTo(order *models.Order, c Change) {
	if c.To != "" {
		order.DeliveryStatus = c.To
	}
	if c.DeliveryPartnerID != "" {
		order.DeliveryPartnerID = c.DeliveryPartnerID
	}
	if c.ClearPendingPartner {
		order.PendingDeliveryPartnerID = ""
	} else if c.PendingPartnerID != "" {
		order.PendingDeliveryPartnerID = c.PendingPartnerID
	}
	if c.MarkDelivered {
		at := c.At
		order.IsDelivered = true
		order.DeliveredAt = &at
	}
	if c.MarkCancelled {
		at := c.At
		order.IsCancelled = true
		order.CancelledAt = &at
	}
	order.Timeline = append(order.Timeline, c.Entry)
	order.UpdatedAt = c.At
}
