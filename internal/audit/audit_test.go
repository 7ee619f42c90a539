package audit

import (
	"testing"
	"time"

	"github.com/jogardn/bookstore-fulfillment/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func newTestAuditor() *Auditor {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewAuditor(logger)
}

func placed(id string) *models.Order {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return &models.Order{
		ID:             id,
		UserID:         "u-1",
		Items:          []models.OrderItem{{ProductID: "p-1", Price: decimal.NewFromInt(10), Quantity: 1}},
		TotalPrice:     decimal.NewFromInt(10),
		DeliveryStatus: models.StatusPlaced,
		Timeline:       []models.TimelineEntry{{Status: "placed", Timestamp: at, Description: "Order placed"}},
		CreatedAt:      at,
	}
}

func types(issues []Inconsistency) map[string]bool {
	m := map[string]bool{}
	for _, i := range issues {
		m[i.Type+":"+i.Field] = true
	}
	return m
}

func TestCheckOrder(t *testing.T) {
	a := newTestAuditor()
	now := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		mutate func(o *models.Order)
		want   []string
	}{
		{
			name:   "fresh order",
			mutate: func(o *models.Order) {},
		},
		{
			name: "delivered order",
			mutate: func(o *models.Order) {
				o.DeliveryStatus = models.StatusDelivered
				o.IsDelivered = true
				o.DeliveredAt = &now
				o.DeliveryPartnerID = "d-1"
				o.Timeline = append(o.Timeline, models.TimelineEntry{Status: "delivered", Timestamp: now})
			},
		},
		{
			name: "both terminal flags",
			mutate: func(o *models.Order) {
				o.DeliveryStatus = models.StatusDelivered
				o.IsDelivered = true
				o.IsCancelled = true
				o.DeliveredAt = &now
				o.CancelledAt = &now
				o.Timeline = append(o.Timeline, models.TimelineEntry{Status: "delivered", Timestamp: now})
			},
			want: []string{"delivered_and_cancelled:", "flag_mismatch:is_cancelled"},
		},
		{
			name: "in delivery without partner",
			mutate: func(o *models.Order) {
				o.DeliveryStatus = models.StatusOutForDelivery
				o.PendingDeliveryPartnerID = "d-2"
			},
			want: []string{"missing_partner:delivery_partner_id", "stale_pending_partner:pending_delivery_partner_id"},
		},
		{
			name: "delivered twice",
			mutate: func(o *models.Order) {
				o.DeliveryStatus = models.StatusDelivered
				o.IsDelivered = true
				o.DeliveredAt = &now
				o.Timeline = append(o.Timeline,
					models.TimelineEntry{Status: "delivered", Timestamp: now},
					models.TimelineEntry{Status: "delivered", Timestamp: now})
			},
			want: []string{"duplicate_delivery:timeline"},
		},
		{
			name: "status without flag",
			mutate: func(o *models.Order) {
				o.DeliveryStatus = models.StatusCancelled
			},
			want: []string{"flag_mismatch:is_cancelled"},
		},
		{
			name: "timeline out of order",
			mutate: func(o *models.Order) {
				o.Timeline = append(o.Timeline, models.TimelineEntry{Status: "packed_by_seller", Timestamp: o.CreatedAt.Add(-time.Minute)})
			},
			want: []string{"timeline_order:timeline"},
		},
		{
			name: "unknown status",
			mutate: func(o *models.Order) {
				o.DeliveryStatus = "lost"
			},
			want: []string{"unknown_status:delivery_status"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := placed("o-1")
			tt.mutate(o)
			got := types(a.CheckOrder(o))
			if len(got) != len(tt.want) {
				t.Errorf("CheckOrder() = %v, want %v", got, tt.want)
			}
			for _, w := range tt.want {
				if !got[w] {
					t.Errorf("CheckOrder() missing %s, got %v", w, got)
				}
			}
		})
	}
}

func TestCompare(t *testing.T) {
	a := newTestAuditor()

	source := []*models.Order{placed("o-1"), placed("o-2"), placed("o-3")}
	stored2 := placed("o-2")
	stored2.TotalPrice = decimal.NewFromInt(12)
	stored := []*models.Order{placed("o-1"), stored2}

	report := a.Compare(source, stored)
	if report.Checked != 3 || report.Consistent != 1 {
		t.Errorf("report = %d checked, %d consistent; want 3, 1", report.Checked, report.Consistent)
	}
	if len(report.Missing) != 1 || report.Missing[0] != "o-3" {
		t.Errorf("Missing = %v, want [o-3]", report.Missing)
	}
	if report.Statistics.CriticalIssues != 2 {
		t.Errorf("CriticalIssues = %d, want 2", report.Statistics.CriticalIssues)
	}
	for _, issue := range report.Inconsistencies {
		if issue.Type == "field_mismatch" && (issue.Field != "total_price" || issue.Expected != "10.00" || issue.Actual != "12.00") {
			t.Errorf("unexpected mismatch %+v", issue)
		}
	}
}

func TestCheck(t *testing.T) {
	a := newTestAuditor()
	bad := placed("o-2")
	bad.DeliveryStatus = models.StatusDispatched

	report := a.Check([]*models.Order{placed("o-1"), bad})
	if report.Consistent != 1 {
		t.Errorf("Consistent = %d, want 1", report.Consistent)
	}
	if report.Statistics.ConsistencyScore != 50 {
		t.Errorf("ConsistencyScore = %v, want 50", report.Statistics.ConsistencyScore)
	}
}
