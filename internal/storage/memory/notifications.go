package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/jogardn/bookstore-fulfillment/internal/apperr"
	"github.com/jogardn/bookstore-fulfillment/pkg/models"
)

type NotificationStore struct {
	notifications map[string]*models.Notification
	mutex         sync.RWMutex
}

func NewNotificationStore() *NotificationStore {
	return &NotificationStore{
		notifications: make(map[string]*models.Notification),
	}
}

func (s *NotificationStore) Create(ctx context.Context, n *models.Notification) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	c := *n
	s.notifications[n.ID] = &c
	return nil
}

func (s *NotificationStore) Get(ctx context.Context, id string) (*models.Notification, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	n, ok := s.notifications[id]
	if !ok {
		return nil, apperr.NotFound("notification %s not found", id)
	}
	c := *n
	return &c, nil
}

func (s *NotificationStore) ListByUser(ctx context.Context, userID string, limit int) ([]*models.Notification, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []*models.Notification
	for _, n := range s.notifications {
		if n.UserID == userID {
			c := *n
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *NotificationStore) MarkRead(ctx context.Context, id string) (*models.Notification, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return nil, apperr.NotFound("notification %s not found", id)
	}
	n.IsRead = true
	c := *n
	return &c, nil
}

func (s *NotificationStore) Delete(ctx context.Context, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.notifications[id]; !ok {
		return apperr.NotFound("notification %s not found", id)
	}
	delete(s.notifications, id)
	return nil
}
