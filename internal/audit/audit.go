// Package audit checks stored orders for states the ledger should never
// produce and compares a set of stored orders against the records they were
// loaded from.
package audit

import (
	"time"

	"github.com/jogardn/bookstore-fulfillment/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

type Auditor struct {
	logger *logrus.Logger
}

type Report struct {
	Checked         int             `json:"checked"`
	Consistent      int             `json:"consistent"`
	Missing         []string        `json:"missing,omitempty"`
	Inconsistencies []Inconsistency `json:"inconsistencies"`
	Statistics      Statistics      `json:"statistics"`
	Timestamp       time.Time       `json:"timestamp"`
}

type Inconsistency struct {
	OrderID     string      `json:"order_id"`
	Type        string      `json:"type"`
	Severity    string      `json:"severity"`
	Field       string      `json:"field,omitempty"`
	Expected    interface{} `json:"expected,omitempty"`
	Actual      interface{} `json:"actual,omitempty"`
	Description string      `json:"description"`
}

type Statistics struct {
	ConsistencyScore float64 `json:"consistency_score"`
	CriticalIssues   int     `json:"critical_issues"`
	WarningIssues    int     `json:"warning_issues"`
	InfoIssues       int     `json:"info_issues"`
}

func NewAuditor(logger *logrus.Logger) *Auditor {
	return &Auditor{logger: logger}
}

// CheckOrder returns every rule the order breaks. A nil result means the
// order is consistent.
func (a *Auditor) CheckOrder(order *models.Order) []Inconsistency {
	var found []Inconsistency
	add := func(kind, severity, field, description string) {
		found = append(found, Inconsistency{
			OrderID:     order.ID,
			Type:        kind,
			Severity:    severity,
			Field:       field,
			Description: description,
		})
	}

	if !order.DeliveryStatus.Valid() {
		add("unknown_status", SeverityCritical, "delivery_status", "Delivery status is not one of the known values")
	}
	if order.IsDelivered && order.IsCancelled {
		add("delivered_and_cancelled", SeverityCritical, "", "Order is flagged both delivered and cancelled")
	}
	if order.IsDelivered != (order.DeliveryStatus == models.StatusDelivered) {
		add("flag_mismatch", SeverityCritical, "is_delivered", "Delivered flag disagrees with delivery status")
	}
	if order.IsCancelled != (order.DeliveryStatus == models.StatusCancelled) {
		add("flag_mismatch", SeverityCritical, "is_cancelled", "Cancelled flag disagrees with delivery status")
	}
	if order.IsDelivered && order.DeliveredAt == nil {
		add("missing_timestamp", SeverityWarning, "delivered_at", "Delivered order has no delivery time")
	}
	if order.IsCancelled && order.CancelledAt == nil {
		add("missing_timestamp", SeverityWarning, "cancelled_at", "Cancelled order has no cancellation time")
	}
	if order.IsPaid && order.PaidAt == nil {
		add("missing_timestamp", SeverityWarning, "paid_at", "Paid order has no payment time")
	}

	switch order.DeliveryStatus {
	case models.StatusAssignedToDelivery, models.StatusDispatched, models.StatusOutForDelivery:
		if order.DeliveryPartnerID == "" {
			add("missing_partner", SeverityCritical, "delivery_partner_id", "Order is in delivery without an accepted partner")
		}
		if order.PendingDeliveryPartnerID != "" {
			add("stale_pending_partner", SeverityWarning, "pending_delivery_partner_id", "Accepted order still carries a pending partner")
		}
	}

	if len(order.Timeline) == 0 {
		add("empty_timeline", SeverityCritical, "timeline", "Order has no timeline entries")
	}
	delivered := 0
	for i, entry := range order.Timeline {
		if entry.Status == string(models.StatusDelivered) {
			delivered++
		}
		if i > 0 && entry.Timestamp.Before(order.Timeline[i-1].Timestamp) {
			add("timeline_order", SeverityWarning, "timeline", "Timeline entries are out of chronological order")
		}
	}
	if delivered > 1 {
		add("duplicate_delivery", SeverityCritical, "timeline", "Timeline records more than one delivery")
	}
	if order.IsDelivered && delivered == 0 {
		add("missing_entry", SeverityWarning, "timeline", "Delivered order has no delivered timeline entry")
	}

	return found
}

// Check audits a batch of stored orders.
func (a *Auditor) Check(orders []*models.Order) *Report {
	report := &Report{
		Checked:         len(orders),
		Inconsistencies: []Inconsistency{},
		Timestamp:       time.Now(),
	}
	for _, order := range orders {
		issues := a.CheckOrder(order)
		if len(issues) == 0 {
			report.Consistent++
		}
		report.Inconsistencies = append(report.Inconsistencies, issues...)
	}
	a.finish(report)
	return report
}

// Compare matches each source record with the stored order of the same ID
// and reports missing orders, fields that did not survive the load, and any
// rule the stored order breaks.
func (a *Auditor) Compare(source, stored []*models.Order) *Report {
	report := &Report{
		Checked:         len(source),
		Inconsistencies: []Inconsistency{},
		Timestamp:       time.Now(),
	}

	storedMap := make(map[string]*models.Order, len(stored))
	for _, order := range stored {
		storedMap[order.ID] = order
	}

	for _, want := range source {
		got, ok := storedMap[want.ID]
		if !ok {
			report.Missing = append(report.Missing, want.ID)
			report.Inconsistencies = append(report.Inconsistencies, Inconsistency{
				OrderID:     want.ID,
				Type:        "missing",
				Severity:    SeverityCritical,
				Description: "Order was not found after loading",
			})
			continue
		}

		issues := a.compareFields(want, got)
		issues = append(issues, a.CheckOrder(got)...)
		if len(issues) == 0 {
			report.Consistent++
		}
		report.Inconsistencies = append(report.Inconsistencies, issues...)
	}

	a.finish(report)
	return report
}

func (a *Auditor) compareFields(want, got *models.Order) []Inconsistency {
	var mismatches []Inconsistency
	mismatch := func(field string, expected, actual interface{}) {
		mismatches = append(mismatches, Inconsistency{
			OrderID:     want.ID,
			Type:        "field_mismatch",
			Severity:    SeverityCritical,
			Field:       field,
			Expected:    expected,
			Actual:      actual,
			Description: "Stored value differs from the loaded record",
		})
	}

	if want.UserID != got.UserID {
		mismatch("user_id", want.UserID, got.UserID)
	}
	if !want.TotalPrice.Equal(got.TotalPrice) {
		mismatch("total_price", want.TotalPrice.StringFixed(2), got.TotalPrice.StringFixed(2))
	}
	if len(want.Items) != len(got.Items) {
		mismatch("items_count", len(want.Items), len(got.Items))
	}
	if want.ShippingAddress.Phone != got.ShippingAddress.Phone {
		mismatch("shipping_phone", want.ShippingAddress.Phone, got.ShippingAddress.Phone)
	}
	return mismatches
}

func (a *Auditor) finish(report *Report) {
	for _, issue := range report.Inconsistencies {
		switch issue.Severity {
		case SeverityCritical:
			report.Statistics.CriticalIssues++
		case SeverityWarning:
			report.Statistics.WarningIssues++
		default:
			report.Statistics.InfoIssues++
		}
	}
	if report.Checked > 0 {
		report.Statistics.ConsistencyScore = float64(report.Consistent) / float64(report.Checked) * 100
	}

	entry := a.logger.WithFields(logrus.Fields{
		"checked":           report.Checked,
		"consistent":        report.Consistent,
		"critical_issues":   report.Statistics.CriticalIssues,
		"consistency_score": report.Statistics.ConsistencyScore,
	})
	if report.Statistics.CriticalIssues > 0 {
		entry.Warn("Order audit found inconsistencies")
		return
	}
	entry.Info("Order audit completed")
}
