// Package notify fans a committed order event out to the affected user. The
// persisted notification is written synchronously; push, email and SMS are
// handed to a Queue and delivered best-effort.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/bookstore-fulfillment/internal/metrics"
	"github.com/jogardn/bookstore-fulfillment/pkg/models"
	"github.com/sirupsen/logrus"
)

type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// AllChannels is used when an event does not name its channels.
var AllChannels = []Channel{ChannelPush, ChannelEmail, ChannelSMS}

type Contact struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type Event struct {
	RecipientID string                  `json:"recipient_id"`
	OrderID     string                  `json:"order_id"`
	Kind        models.NotificationType `json:"kind"`
	Subject     string                  `json:"subject"`
	Message     string                  `json:"message"`
	Contact     Contact                 `json:"contact"`
	Channels    []Channel               `json:"channels,omitempty"`
}

// Task is one unit of outbound work. Channels narrows delivery on retries to
// the channels that failed before.
type Task struct {
	ID             string    `json:"id"`
	NotificationID string    `json:"notification_id,omitempty"`
	Event          Event     `json:"event"`
	Channels       []Channel `json:"channels"`
	Attempt        int       `json:"attempt"`
	CreatedAt      time.Time `json:"created_at"`
}

type Store interface {
	Create(ctx context.Context, n *models.Notification) error
	Get(ctx context.Context, id string) (*models.Notification, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*models.Notification, error)
	MarkRead(ctx context.Context, id string) (*models.Notification, error)
	Delete(ctx context.Context, id string) error
}

// Queue accepts tasks for delivery. Enqueue must not block on delivery.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
}

// Publisher pushes a real-time event to every connection of a user.
type Publisher interface {
	Publish(ctx context.Context, userID, eventType string, data interface{}) error
}

type MailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

type SMSSender interface {
	Send(ctx context.Context, phone, message string) error
}

type FanOut struct {
	store   Store
	queue   Queue
	metrics *metrics.Metrics
	logger  *logrus.Logger
	now     func() time.Time
}

func NewFanOut(store Store, queue Queue, m *metrics.Metrics, logger *logrus.Logger) *FanOut {
	return &FanOut{
		store:   store,
		queue:   queue,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

func (f *FanOut) SetClock(now func() time.Time) {
	f.now = now
}

// Notify persists the notification and enqueues its outbound delivery. The
// returned error only reports a failed persist; callers treat it as a warning
// since the order change it describes has already committed.
func (f *FanOut) Notify(ctx context.Context, ev Event) error {
	logger := f.logger.WithFields(logrus.Fields{
		"order_id":     ev.OrderID,
		"recipient_id": ev.RecipientID,
		"kind":         ev.Kind,
	})

	notification := &models.Notification{
		ID:        uuid.New().String(),
		UserID:    ev.RecipientID,
		Type:      ev.Kind,
		Message:   ev.Message,
		RelatedID: ev.OrderID,
		CreatedAt: f.now(),
	}

	var persistErr error
	if err := f.store.Create(ctx, notification); err != nil {
		logger.WithError(err).Warn("Failed to persist notification")
		persistErr = fmt.Errorf("persist notification: %w", err)
		notification.ID = ""
	}

	channels := ev.Channels
	if len(channels) == 0 {
		channels = AllChannels
	}
	task := Task{
		ID:             uuid.New().String(),
		NotificationID: notification.ID,
		Event:          ev,
		Channels:       channels,
		CreatedAt:      notification.CreatedAt,
	}
	if err := f.queue.Enqueue(ctx, task); err != nil {
		logger.WithError(err).Warn("Failed to enqueue notification delivery")
	}

	return persistErr
}
