package models

import "fmt"

// DeliveryStatus is the fulfillment state of an order. The set of values is
// closed; ParseDeliveryStatus rejects anything else.
type DeliveryStatus string

const (
	StatusPlaced             DeliveryStatus = "placed"
	StatusPackedBySeller     DeliveryStatus = "packed_by_seller"
	StatusAssignedToDelivery DeliveryStatus = "assigned_to_delivery"
	StatusDispatched         DeliveryStatus = "dispatched"
	StatusOutForDelivery     DeliveryStatus = "out_for_delivery"
	StatusDelivered          DeliveryStatus = "delivered"
	StatusCancelled          DeliveryStatus = "cancelled"
)

var statusRank = map[DeliveryStatus]int{
	StatusPlaced:             0,
	StatusPackedBySeller:     1,
	StatusAssignedToDelivery: 2,
	StatusDispatched:         3,
	StatusOutForDelivery:     4,
	StatusDelivered:          5,
	StatusCancelled:          6,
}

// transitions is the only place legal edges are defined. Edges into
// delivered from anything but out_for_delivery exist for the admin override
// and are further restricted by the orchestrator.
var transitions = map[DeliveryStatus][]DeliveryStatus{
	StatusPlaced:             {StatusPackedBySeller, StatusAssignedToDelivery, StatusCancelled, StatusDelivered},
	StatusPackedBySeller:     {StatusAssignedToDelivery, StatusCancelled, StatusDelivered},
	StatusAssignedToDelivery: {StatusDispatched, StatusOutForDelivery, StatusCancelled, StatusDelivered},
	StatusDispatched:         {StatusOutForDelivery, StatusCancelled, StatusDelivered},
	StatusOutForDelivery:     {StatusDelivered, StatusCancelled},
}

func ParseDeliveryStatus(s string) (DeliveryStatus, error) {
	st := DeliveryStatus(s)
	if _, ok := statusRank[st]; !ok {
		return "", fmt.Errorf("unknown delivery status %q", s)
	}
	return st, nil
}

func (s DeliveryStatus) String() string {
	return string(s)
}

func (s DeliveryStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

func (s DeliveryStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// CanAdvance reports whether from -> to is an edge of the transition table.
func CanAdvance(from, to DeliveryStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Predecessors returns every status with an edge into to, in forward order.
func Predecessors(to DeliveryStatus) []DeliveryStatus {
	var out []DeliveryStatus
	for _, from := range AllStatuses() {
		if CanAdvance(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// NonTerminal lists the statuses an order can still leave.
func NonTerminal() []DeliveryStatus {
	return []DeliveryStatus{
		StatusPlaced,
		StatusPackedBySeller,
		StatusAssignedToDelivery,
		StatusDispatched,
		StatusOutForDelivery,
	}
}

func AllStatuses() []DeliveryStatus {
	return []DeliveryStatus{
		StatusPlaced,
		StatusPackedBySeller,
		StatusAssignedToDelivery,
		StatusDispatched,
		StatusOutForDelivery,
		StatusDelivered,
		StatusCancelled,
	}
}

// Describe renders the timeline description recorded for a status change.
func (s DeliveryStatus) Describe() string {
	switch s {
	case StatusPlaced:
		return "Order placed"
	case StatusPackedBySeller:
		return "Order packed by seller"
	case StatusAssignedToDelivery:
		return "Order assigned to delivery partner"
	case StatusDispatched:
		return "Order dispatched"
	case StatusOutForDelivery:
		return "Order out for delivery"
	case StatusDelivered:
		return "Order delivered"
	case StatusCancelled:
		return "Order cancelled"
	default:
		return "Order status updated to " + string(s)
	}
}
