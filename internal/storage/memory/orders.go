// Package memory holds in-process implementations of the fulfillment stores.
// They back the memory storage backend and the package tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jogardn/bookstore-fulfillment/internal/apperr"
	"github.com/jogardn/bookstore-fulfillment/internal/ledger"
	"github.com/jogardn/bookstore-fulfillment/pkg/models"
)

type OrderStore struct {
	orders map[string]*models.Order
	mutex  sync.RWMutex
}

func NewOrderStore() *OrderStore {
	return &OrderStore{
		orders: make(map[string]*models.Order),
	}
}

func (s *OrderStore) Create(ctx context.Context, order *models.Order) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.orders[order.ID]; exists {
		return apperr.Conflict("order %s already exists", order.ID)
	}
	s.orders[order.ID] = order.Clone()
	return nil
}

func (s *OrderStore) Get(ctx context.Context, id string) (*models.Order, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, apperr.NotFound("order %s not found", id)
	}
	return order.Clone(), nil
}

// Apply checks the expected status and writes under the same lock.
func (s *OrderStore) Apply(ctx context.Context, id string, c ledger.Change) (*models.Order, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, apperr.NotFound("order %s not found", id)
	}
	if order.IsDelivered || order.IsCancelled || !ledger.Contains(c.From, order.DeliveryStatus) {
		return nil, apperr.Conflict("order %s is now %s", id, order.DeliveryStatus)
	}

	updated := order.Clone()
	ledger.ApplyTo(updated, c)
	s.orders[id] = updated
	return updated.Clone(), nil
}

func (s *OrderStore) MarkPaid(ctx context.Context, id string, result models.PaymentResult, at time.Time) (*models.Order, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, apperr.NotFound("order %s not found", id)
	}
	if order.IsCancelled {
		return nil, apperr.InvalidState("order %s is cancelled", id)
	}
	if order.IsPaid {
		return nil, apperr.InvalidState("order %s is already paid", id)
	}

	updated := order.Clone()
	updated.IsPaid = true
	updated.PaidAt = &at
	updated.PaymentResult = &result
	updated.UpdatedAt = at
	s.orders[id] = updated
	return updated.Clone(), nil
}

func (s *OrderStore) SetVisibility(ctx context.Context, id string, visible bool) (*models.Order, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, apperr.NotFound("order %s not found", id)
	}
	updated := order.Clone()
	updated.IsVisibleToUser = visible
	s.orders[id] = updated
	return updated.Clone(), nil
}

func (s *OrderStore) ListByDeliveryPartner(ctx context.Context, partnerID string) ([]*models.Order, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []*models.Order
	for _, order := range s.orders {
		if order.DeliveryPartnerID == partnerID || order.PendingDeliveryPartnerID == partnerID {
			out = append(out, order.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
