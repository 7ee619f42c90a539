package models

import "time"

type NotificationType string

const (
	NotificationOrderPacked        NotificationType = "order_packed"
	NotificationDeliveryAssignment NotificationType = "delivery_assignment"
	NotificationOrderAssigned      NotificationType = "order_assigned"
	NotificationOrderDispatched    NotificationType = "order_dispatched"
	NotificationOutForDelivery     NotificationType = "out_for_delivery"
	NotificationDeliveryCodeResent NotificationType = "delivery_code_resent"
	NotificationOrderDelivered     NotificationType = "order_delivered"
	NotificationOrderCancelled     NotificationType = "order_cancelled"
	NotificationOrderStatus        NotificationType = "order_status"
	NotificationPaymentConfirmed   NotificationType = "payment_confirmed"
)

type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Type      NotificationType `json:"type"`
	Message   string           `json:"message"`
	RelatedID string           `json:"related_id,omitempty"`
	IsRead    bool             `json:"is_read"`
	CreatedAt time.Time        `json:"created_at"`
}
