package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	ID                       string          `json:"id"`
	UserID                   string          `json:"user_id"`
	Items                    []OrderItem     `json:"items"`
	ShippingAddress          ShippingAddress `json:"shipping_address"`
	PaymentMethod            string          `json:"payment_method"`
	PaymentResult            *PaymentResult  `json:"payment_result,omitempty"`
	ItemsPrice               decimal.Decimal `json:"items_price"`
	TaxPrice                 decimal.Decimal `json:"tax_price"`
	ShippingPrice            decimal.Decimal `json:"shipping_price"`
	TotalPrice               decimal.Decimal `json:"total_price"`
	IsPaid                   bool            `json:"is_paid"`
	PaidAt                   *time.Time      `json:"paid_at,omitempty"`
	IsDelivered              bool            `json:"is_delivered"`
	DeliveredAt              *time.Time      `json:"delivered_at,omitempty"`
	IsCancelled              bool            `json:"is_cancelled"`
	CancelledAt              *time.Time      `json:"cancelled_at,omitempty"`
	IsVisibleToUser          bool            `json:"is_visible_to_user"`
	DeliveryStatus           DeliveryStatus  `json:"delivery_status"`
	DeliveryPartnerID        string          `json:"delivery_partner_id,omitempty"`
	PendingDeliveryPartnerID string          `json:"pending_delivery_partner_id,omitempty"`
	Timeline                 []TimelineEntry `json:"timeline"`
	CreatedAt                time.Time       `json:"created_at"`
	UpdatedAt                time.Time       `json:"updated_at"`
}

// OrderItem is a snapshot of the product taken at checkout.
type OrderItem struct {
	ProductID string          `json:"product_id"`
	Title     string          `json:"title"`
	Image     string          `json:"image"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
}

type ShippingAddress struct {
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone"`
}

type PaymentResult struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	UpdateTime   string `json:"update_time"`
	EmailAddress string `json:"email_address"`
}

type TimelineEntry struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
}

// Terminal reports whether the order can no longer change delivery status.
func (o *Order) Terminal() bool {
	return o.IsDelivered || o.IsCancelled || o.DeliveryStatus.Terminal()
}

// HasProduct reports whether any line item references productID.
func (o *Order) HasProduct(productID string) bool {
	for _, item := range o.Items {
		if item.ProductID == productID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so stores never hand out shared slices.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Items = append([]OrderItem(nil), o.Items...)
	c.Timeline = append([]TimelineEntry(nil), o.Timeline...)
	if o.PaymentResult != nil {
		pr := *o.PaymentResult
		c.PaymentResult = &pr
	}
	c.PaidAt = cloneTime(o.PaidAt)
	c.DeliveredAt = cloneTime(o.DeliveredAt)
	c.CancelledAt = cloneTime(o.CancelledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type OrderResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Order   *Order `json:"order,omitempty"`
}
