package fulfillment

import (
	"fmt"
	"time"

	"github.com/jogardn/bookstore-fulfillment/pkg/models"
)

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func minutes(d time.Duration) int {
	return int(d.Round(time.Minute) / time.Minute)
}

func assignmentMessage(order *models.Order, code string, ttl time.Duration) (string, string) {
	subject := fmt.Sprintf("New delivery assignment for order %s", shortID(order.ID))
	body := fmt.Sprintf(
		"You have been assigned order %s for delivery to %s. Accept it with code %s within %d minutes.",
		shortID(order.ID), order.ShippingAddress.City, code, minutes(ttl))
	return subject, body
}

func acceptedMessage(order *models.Order) (string, string) {
	return fmt.Sprintf("Order %s has a delivery partner", shortID(order.ID)),
		fmt.Sprintf("A delivery partner has accepted your order %s.", shortID(order.ID))
}

func outForDeliveryMessage(order *models.Order, code string, ttl time.Duration) (string, string) {
	return fmt.Sprintf("Order %s is out for delivery", shortID(order.ID)),
		fmt.Sprintf("Your order %s is out for delivery. Share code %s with the delivery partner to receive it. The code is valid for %d minutes.",
			shortID(order.ID), code, minutes(ttl))
}

func resentMessage(order *models.Order, code string, ttl time.Duration) (string, string) {
	return fmt.Sprintf("New delivery code for order %s", shortID(order.ID)),
		fmt.Sprintf("Your new delivery code for order %s is %s. It is valid for %d minutes; earlier codes no longer work.",
			shortID(order.ID), code, minutes(ttl))
}

func deliveredMessage(order *models.Order) (string, string) {
	return fmt.Sprintf("Order %s delivered", shortID(order.ID)),
		fmt.Sprintf("Your order %s has been delivered. Thank you for shopping with us!", shortID(order.ID))
}

func cancelledMessage(order *models.Order) (string, string) {
	return fmt.Sprintf("Order %s cancelled", shortID(order.ID)),
		fmt.Sprintf("Your order %s has been cancelled.", shortID(order.ID))
}

func partnerCancelledMessage(order *models.Order) (string, string) {
	return fmt.Sprintf("Order %s cancelled", shortID(order.ID)),
		fmt.Sprintf("Order %s assigned to you has been cancelled by the buyer.", shortID(order.ID))
}

func paidMessage(order *models.Order) (string, string) {
	return fmt.Sprintf("Payment received for order %s", shortID(order.ID)),
		fmt.Sprintf("We have received your payment of %s for order %s.", order.TotalPrice.StringFixed(2), shortID(order.ID))
}

func statusMessage(order *models.Order, status models.DeliveryStatus) (string, string) {
	return fmt.Sprintf("Order %s update", shortID(order.ID)),
		fmt.Sprintf("Your order %s status is now %s.", shortID(order.ID), status)
}

// statusNotification picks the notification type for a generic status update.
func statusNotification(status models.DeliveryStatus) models.NotificationType {
	switch status {
	case models.StatusPackedBySeller:
		return models.NotificationOrderPacked
	case models.StatusAssignedToDelivery:
		return models.NotificationOrderAssigned
	case models.StatusDispatched:
		return models.NotificationOrderDispatched
	case models.StatusOutForDelivery:
		return models.NotificationOutForDelivery
	case models.StatusDelivered:
		return models.NotificationOrderDelivered
	case models.StatusCancelled:
		return models.NotificationOrderCancelled
	default:
		return models.NotificationOrderStatus
	}
}
