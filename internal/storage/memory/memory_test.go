package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jogardn/bookstore-fulfillment/internal/apperr"
	"github.com/jogardn/bookstore-fulfillment/internal/ledger"
	"github.com/jogardn/bookstore-fulfillment/pkg/models"
)

func TestOrderStoreReturnsCopies(t *testing.T) {
	store := NewOrderStore()
	ctx := context.Background()

	order := &models.Order{ID: "o-1", UserID: "u-1", DeliveryStatus: models.StatusPlaced, Items: []models.OrderItem{{ProductID: "p-1"}}}
	if err := store.Create(ctx, order); err != nil {
		t.Fatal(err)
	}
	order.Items[0].ProductID = "changed"

	got, err := store.Get(ctx, "o-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Items[0].ProductID != "p-1" {
		t.Error("store shares the caller's slice")
	}
	got.Timeline = append(got.Timeline, models.TimelineEntry{Status: "x"})

	again, _ := store.Get(ctx, "o-1")
	if len(again.Timeline) != 0 {
		t.Error("store shares its timeline")
	}
}

func TestOrderStoreApplyChecksStatus(t *testing.T) {
	store := NewOrderStore()
	ctx := context.Background()
	if err := store.Create(ctx, &models.Order{ID: "o-1", DeliveryStatus: models.StatusPackedBySeller}); err != nil {
		t.Fatal(err)
	}

	change := ledger.Change{
		From:  []models.DeliveryStatus{models.StatusPlaced},
		To:    models.StatusPackedBySeller,
		Entry: models.TimelineEntry{Status: "packed_by_seller", Description: "Order packed by seller"},
		At:    time.Now(),
	}
	if _, err := store.Apply(ctx, "o-1", change); !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("Apply() error = %v, want conflict", err)
	}
	if _, err := store.Apply(ctx, "o-404", change); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("Apply(missing) error = %v, want not found", err)
	}
}

func TestOrderStoreMarkPaid(t *testing.T) {
	store := NewOrderStore()
	ctx := context.Background()
	if err := store.Create(ctx, &models.Order{ID: "o-1", DeliveryStatus: models.StatusPlaced}); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(ctx, &models.Order{ID: "o-2", DeliveryStatus: models.StatusCancelled, IsCancelled: true}); err != nil {
		t.Fatal(err)
	}

	at := time.Now()
	order, err := store.MarkPaid(ctx, "o-1", models.PaymentResult{ID: "PAY-1"}, at)
	if err != nil {
		t.Fatalf("MarkPaid() error = %v", err)
	}
	if !order.IsPaid || order.PaidAt == nil || order.PaymentResult.ID != "PAY-1" {
		t.Errorf("paid order = %+v", order)
	}
	if _, err := store.MarkPaid(ctx, "o-1", models.PaymentResult{ID: "PAY-2"}, at); !apperr.Is(err, apperr.KindInvalidState) {
		t.Errorf("second MarkPaid() error = %v", err)
	}
	if _, err := store.MarkPaid(ctx, "o-2", models.PaymentResult{ID: "PAY-3"}, at); !apperr.Is(err, apperr.KindInvalidState) {
		t.Errorf("MarkPaid(cancelled) error = %v", err)
	}
}

func TestCodeStoreSweep(t *testing.T) {
	store := NewCodeStore()
	ctx := context.Background()
	now := time.Now()
	store.SetClock(func() time.Time { return now })

	for i, ttl := range []time.Duration{time.Minute, 10 * time.Minute} {
		code := &models.OneTimeCode{
			ID:        string(rune('a' + i)),
			OrderID:   "o-1",
			Code:      "123456",
			Purpose:   models.PurposeHandoffConfirmation,
			ExpiresAt: now.Add(ttl),
		}
		if err := store.Save(ctx, code); err != nil {
			t.Fatal(err)
		}
	}

	now = now.Add(5 * time.Minute)
	if n := store.Sweep(); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestCodeStoreRedeemOnce(t *testing.T) {
	store := NewCodeStore()
	ctx := context.Background()
	now := time.Now()

	code := &models.OneTimeCode{ID: "c-1", OrderID: "o-1", Code: "123456", Purpose: models.PurposeHandoffAssignment, ExpiresAt: now.Add(time.Minute)}
	if err := store.Save(ctx, code); err != nil {
		t.Fatal(err)
	}
	if err := store.Redeem(ctx, "o-1", models.PurposeHandoffAssignment, "123456", now); err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}
	if err := store.Redeem(ctx, "o-1", models.PurposeHandoffAssignment, "123456", now); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("second Redeem() error = %v", err)
	}
	if n, _ := store.DeleteUnverified(ctx, "o-1", models.PurposeHandoffAssignment); n != 0 {
		t.Errorf("DeleteUnverified() = %d, want 0 for a verified code", n)
	}
}

func TestCodeStoreConcurrentRedeem(t *testing.T) {
	store := NewCodeStore()
	ctx := context.Background()
	now := time.Now()

	code := &models.OneTimeCode{ID: "c-1", OrderID: "o-1", Code: "123456", Purpose: models.PurposeHandoffConfirmation, ExpiresAt: now.Add(time.Minute)}
	if err := store.Save(ctx, code); err != nil {
		t.Fatal(err)
	}

	const callers = 50
	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		successes atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := store.Redeem(ctx, "o-1", models.PurposeHandoffConfirmation, "123456", now)
			switch {
			case err == nil:
				successes.Add(1)
			case !apperr.Is(err, apperr.KindNotFound):
				t.Errorf("Redeem() error = %v, want not found for losers", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Errorf("successful redeems = %d, want exactly 1", got)
	}
}

func TestNotificationStoreListNewestFirst(t *testing.T) {
	store := NewNotificationStore()
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"n-1", "n-2", "n-3"} {
		n := &models.Notification{ID: id, UserID: "u-1", Type: models.NotificationOrderStatus, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := store.Create(ctx, n); err != nil {
			t.Fatal(err)
		}
	}

	list, err := store.ListByUser(ctx, "u-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "n-3" || list[1].ID != "n-2" {
		t.Errorf("ListByUser() = %v", list)
	}

	if _, err := store.MarkRead(ctx, "n-1"); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(ctx, "n-1")
	if !got.IsRead {
		t.Error("notification not marked read")
	}
	if err := store.Delete(ctx, "n-1"); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "n-1"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("second Delete() error = %v", err)
	}
}
