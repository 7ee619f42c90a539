package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/jogardn/bookstore-fulfillment/internal/apperr"
	"github.com/jogardn/bookstore-fulfillment/internal/ledger"
	"github.com/jogardn/bookstore-fulfillment/internal/storage/memory"
	"github.com/jogardn/bookstore-fulfillment/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func entry(status models.DeliveryStatus) models.TimelineEntry {
	return models.TimelineEntry{Status: string(status), Description: status.Describe()}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		change ledger.Change
		kind   apperr.Kind
	}{
		{
			name:   "legal edge",
			change: ledger.Change{From: []models.DeliveryStatus{models.StatusPlaced}, To: models.StatusPackedBySeller, Entry: entry(models.StatusPackedBySeller)},
		},
		{
			name:   "status unchanged",
			change: ledger.Change{From: []models.DeliveryStatus{models.StatusPlaced}, PendingPartnerID: "d-1", Entry: entry(models.StatusAssignedToDelivery)},
		},
		{
			name:   "no expected status",
			change: ledger.Change{To: models.StatusPackedBySeller, Entry: entry(models.StatusPackedBySeller)},
			kind:   apperr.KindValidation,
		},
		{
			name:   "no timeline entry",
			change: ledger.Change{From: []models.DeliveryStatus{models.StatusPlaced}, To: models.StatusPackedBySeller},
			kind:   apperr.KindValidation,
		},
		{
			name:   "skipped edge",
			change: ledger.Change{From: []models.DeliveryStatus{models.StatusPlaced}, To: models.StatusOutForDelivery, Entry: entry(models.StatusOutForDelivery)},
			kind:   apperr.KindInvalidState,
		},
		{
			name:   "backwards edge",
			change: ledger.Change{From: []models.DeliveryStatus{models.StatusDispatched}, To: models.StatusPackedBySeller, Entry: entry(models.StatusPackedBySeller)},
			kind:   apperr.KindInvalidState,
		},
		{
			name:   "from terminal",
			change: ledger.Change{From: []models.DeliveryStatus{models.StatusDelivered}, To: models.StatusCancelled, MarkCancelled: true, Entry: entry(models.StatusCancelled)},
			kind:   apperr.KindInvalidState,
		},
		{
			name:   "delivered without flag",
			change: ledger.Change{From: []models.DeliveryStatus{models.StatusOutForDelivery}, To: models.StatusDelivered, Entry: entry(models.StatusDelivered)},
			kind:   apperr.KindInvalidState,
		},
		{
			name:   "both flags",
			change: ledger.Change{From: []models.DeliveryStatus{models.StatusOutForDelivery}, To: models.StatusDelivered, MarkDelivered: true, MarkCancelled: true, Entry: entry(models.StatusDelivered)},
			kind:   apperr.KindInvalidState,
		},
		{
			name:   "cancelled flag on wrong status",
			change: ledger.Change{From: []models.DeliveryStatus{models.StatusPlaced}, To: models.StatusPackedBySeller, MarkCancelled: true, Entry: entry(models.StatusPackedBySeller)},
			kind:   apperr.KindInvalidState,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ledger.Validate(tt.change)
			if tt.kind == apperr.KindUnknown {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if !apperr.Is(err, tt.kind) {
				t.Errorf("Validate() error = %v, want %s", err, tt.kind)
			}
		})
	}
}

func newLedger() *ledger.Ledger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return ledger.New(memory.NewOrderStore(), logger)
}

func testOrder(id string) *models.Order {
	return &models.Order{
		ID:         id,
		UserID:     "u-1",
		Items:      []models.OrderItem{{ProductID: "p-1", Title: "Book", Price: decimal.NewFromInt(10), Quantity: 2}},
		TotalPrice: decimal.NewFromInt(20),
	}
}

func TestCreate(t *testing.T) {
	l := newLedger()
	ctx := context.Background()

	if err := l.Create(ctx, &models.Order{ID: "o-1", UserID: "u-1"}); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("Create(no items) error = %v", err)
	}

	order := testOrder("o-1")
	order.DeliveryStatus = models.StatusDelivered
	if err := l.Create(ctx, order); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	got, err := l.Get(ctx, "o-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.DeliveryStatus != models.StatusPlaced || !got.IsVisibleToUser || len(got.Timeline) != 1 {
		t.Errorf("created order = %s visible=%v timeline=%d", got.DeliveryStatus, got.IsVisibleToUser, len(got.Timeline))
	}

	if err := l.Create(ctx, testOrder("o-1")); !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("duplicate Create() error = %v", err)
	}
	if _, err := l.Get(ctx, "o-404"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("Get(missing) error = %v", err)
	}
}

func TestApplyIsConditional(t *testing.T) {
	l := newLedger()
	ctx := context.Background()
	if err := l.Create(ctx, testOrder("o-1")); err != nil {
		t.Fatal(err)
	}
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	order, err := l.Apply(ctx, "o-1", ledger.Change{
		From:  []models.DeliveryStatus{models.StatusPlaced},
		To:    models.StatusPackedBySeller,
		Entry: entry(models.StatusPackedBySeller),
		At:    at,
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !order.UpdatedAt.Equal(at) || !order.Timeline[1].Timestamp.Equal(at) {
		t.Errorf("timestamps = %v / %v", order.UpdatedAt, order.Timeline[1].Timestamp)
	}

	// Same change again: the order is no longer placed.
	_, err = l.Apply(ctx, "o-1", ledger.Change{
		From:  []models.DeliveryStatus{models.StatusPlaced},
		To:    models.StatusPackedBySeller,
		Entry: entry(models.StatusPackedBySeller),
	})
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("stale Apply() error = %v, want conflict", err)
	}

	got, _ := l.Get(ctx, "o-1")
	if len(got.Timeline) != 2 {
		t.Errorf("timeline length = %d, want 2", len(got.Timeline))
	}
}

func TestApplyCancelThenDeliver(t *testing.T) {
	l := newLedger()
	ctx := context.Background()
	if err := l.Create(ctx, testOrder("o-1")); err != nil {
		t.Fatal(err)
	}

	if _, err := l.Apply(ctx, "o-1", ledger.Change{
		From:          models.NonTerminal(),
		To:            models.StatusCancelled,
		MarkCancelled: true,
		Entry:         entry(models.StatusCancelled),
	}); err != nil {
		t.Fatalf("cancel error = %v", err)
	}

	_, err := l.Apply(ctx, "o-1", ledger.Change{
		From:          models.Predecessors(models.StatusDelivered),
		To:            models.StatusDelivered,
		MarkDelivered: true,
		Entry:         entry(models.StatusDelivered),
	})
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("deliver after cancel error = %v, want conflict", err)
	}

	got, _ := l.Get(ctx, "o-1")
	if got.IsDelivered || !got.IsCancelled || got.CancelledAt == nil {
		t.Errorf("flags delivered=%v cancelled=%v", got.IsDelivered, got.IsCancelled)
	}
}

func TestApplyToPartners(t *testing.T) {
	order := testOrder("o-1")
	order.DeliveryStatus = models.StatusPlaced

	ledger.ApplyTo(order, ledger.Change{PendingPartnerID: "d-1", Entry: entry(models.StatusAssignedToDelivery)})
	if order.PendingDeliveryPartnerID != "d-1" || order.DeliveryPartnerID != "" || order.DeliveryStatus != models.StatusPlaced {
		t.Errorf("after offer = %+v", order)
	}

	ledger.ApplyTo(order, ledger.Change{To: models.StatusAssignedToDelivery, DeliveryPartnerID: "d-1", ClearPendingPartner: true, Entry: entry(models.StatusAssignedToDelivery)})
	if order.PendingDeliveryPartnerID != "" || order.DeliveryPartnerID != "d-1" || order.DeliveryStatus != models.StatusAssignedToDelivery {
		t.Errorf("after accept = %+v", order)
	}
	if len(order.Timeline) != 2 {
		t.Errorf("timeline length = %d", len(order.Timeline))
	}
}
