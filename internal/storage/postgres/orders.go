package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jogardn/bookstore-fulfillment/internal/apperr"
	"github.com/jogardn/bookstore-fulfillment/internal/ledger"
	"github.com/jogardn/bookstore-fulfillment/pkg/models"
	"github.com/lib/pq"
)

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type OrderStore struct {
	db *sql.DB
}

func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db}
}

const orderColumns = `id, user_id, address, city, postal_code, country, phone, payment_method,
	payment_id, payment_status, payment_update_time, payment_email,
	items_price, tax_price, shipping_price, total_price,
	is_paid, paid_at, is_delivered, delivered_at, is_cancelled, cancelled_at, is_visible_to_user,
	delivery_status, delivery_partner_id, pending_delivery_partner_id, created_at, updated_at`

func (s *OrderStore) Create(ctx context.Context, order *models.Order) error {
	return withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		var paymentID, paymentStatus, paymentUpdate, paymentEmail sql.NullString
		if pr := order.PaymentResult; pr != nil {
			paymentID = sql.NullString{String: pr.ID, Valid: true}
			paymentStatus = sql.NullString{String: pr.Status, Valid: true}
			paymentUpdate = sql.NullString{String: pr.UpdateTime, Valid: true}
			paymentEmail = sql.NullString{String: pr.EmailAddress, Valid: true}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (id, user_id, address, city, postal_code, country, phone, payment_method,
				payment_id, payment_status, payment_update_time, payment_email,
				items_price, tax_price, shipping_price, total_price,
				is_paid, paid_at, is_visible_to_user, delivery_status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
			order.ID, order.UserID,
			order.ShippingAddress.Address, order.ShippingAddress.City, order.ShippingAddress.PostalCode,
			order.ShippingAddress.Country, order.ShippingAddress.Phone, order.PaymentMethod,
			paymentID, paymentStatus, paymentUpdate, paymentEmail,
			order.ItemsPrice, order.TaxPrice, order.ShippingPrice, order.TotalPrice,
			order.IsPaid, nullTime(order.PaidAt), order.IsVisibleToUser, string(order.DeliveryStatus),
			order.CreatedAt, order.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return apperr.Conflict("order %s already exists", order.ID)
			}
			return fmt.Errorf("insert order: %w", err)
		}

		for _, item := range order.Items {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO order_items (order_id, product_id, title, image, price, quantity)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				order.ID, item.ProductID, item.Title, item.Image, item.Price, item.Quantity)
			if err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}

		for _, entry := range order.Timeline {
			if err := insertTimeline(ctx, tx, order.ID, entry); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *OrderStore) Get(ctx context.Context, id string) (*models.Order, error) {
	return loadOrder(ctx, s.db, id)
}

// Apply performs the status compare-and-swap and the timeline insert in one
// transaction. Zero affected rows means the order is missing or moved on.
func (s *OrderStore) Apply(ctx context.Context, id string, c ledger.Change) (*models.Order, error) {
	from := make([]string, len(c.From))
	for i, st := range c.From {
		from[i] = string(st)
	}

	var order *models.Order
	err := withRetry(ctx, s.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE orders SET
				delivery_status = COALESCE(NULLIF($3::text, ''), delivery_status),
				delivery_partner_id = COALESCE(NULLIF($4::text, ''), delivery_partner_id),
				pending_delivery_partner_id = CASE
					WHEN $5::boolean THEN NULL
					ELSE COALESCE(NULLIF($6::text, ''), pending_delivery_partner_id)
				END,
				is_delivered = is_delivered OR $7::boolean,
				delivered_at = CASE WHEN $7::boolean THEN $9 ELSE delivered_at END,
				is_cancelled = is_cancelled OR $8::boolean,
				cancelled_at = CASE WHEN $8::boolean THEN $9 ELSE cancelled_at END,
				updated_at = $9
			WHERE id = $1
			  AND delivery_status = ANY($2)
			  AND NOT is_delivered
			  AND NOT is_cancelled`,
			id, pq.Array(from), string(c.To), c.DeliveryPartnerID,
			c.ClearPendingPartner, c.PendingPartnerID, c.MarkDelivered, c.MarkCancelled, c.At,
		)
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			var current string
			err := tx.QueryRowContext(ctx, `SELECT delivery_status FROM orders WHERE id = $1`, id).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.NotFound("order %s not found", id)
			}
			if err != nil {
				return fmt.Errorf("read order status: %w", err)
			}
			return apperr.Conflict("order %s is now %s", id, current)
		}

		if err := insertTimeline(ctx, tx, id, c.Entry); err != nil {
			return err
		}

		order, err = loadOrder(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *OrderStore) MarkPaid(ctx context.Context, id string, result models.PaymentResult, at time.Time) (*models.Order, error) {
	var order *models.Order
	err := withRetry(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE orders SET
				is_paid = TRUE, paid_at = $2,
				payment_id = $3, payment_status = $4, payment_update_time = $5, payment_email = $6,
				updated_at = $2
			WHERE id = $1 AND NOT is_paid AND NOT is_cancelled`,
			id, at, result.ID, result.Status, result.UpdateTime, result.EmailAddress)
		if err != nil {
			return fmt.Errorf("mark order paid: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if n == 0 {
			var paid, cancelled bool
			err := tx.QueryRowContext(ctx, `SELECT is_paid, is_cancelled FROM orders WHERE id = $1`, id).Scan(&paid, &cancelled)
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.NotFound("order %s not found", id)
			}
			if err != nil {
				return fmt.Errorf("read order payment: %w", err)
			}
			if cancelled {
				return apperr.InvalidState("order %s is cancelled", id)
			}
			return apperr.InvalidState("order %s is already paid", id)
		}
		order, err = loadOrder(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *OrderStore) SetVisibility(ctx context.Context, id string, visible bool) (*models.Order, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE orders SET is_visible_to_user = $2 WHERE id = $1`, id, visible)
	if err != nil {
		return nil, fmt.Errorf("update order visibility: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("get rows affected: %w", err)
	} else if n == 0 {
		return nil, apperr.NotFound("order %s not found", id)
	}
	return loadOrder(ctx, s.db, id)
}

func (s *OrderStore) ListByDeliveryPartner(ctx context.Context, partnerID string) ([]*models.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM orders
		WHERE delivery_partner_id = $1 OR pending_delivery_partner_id = $1
		ORDER BY created_at DESC`, partnerID)
	if err != nil {
		return nil, fmt.Errorf("list partner orders: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	orders := make([]*models.Order, 0, len(ids))
	for _, id := range ids {
		order, err := loadOrder(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func insertTimeline(ctx context.Context, tx *sql.Tx, orderID string, entry models.TimelineEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO order_timeline (order_id, status, description, created_at)
		VALUES ($1, $2, $3, $4)`,
		orderID, entry.Status, entry.Description, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("insert timeline entry: %w", err)
	}
	return nil
}

func loadOrder(ctx context.Context, q queryer, id string) (*models.Order, error) {
	order := &models.Order{}
	var (
		paymentID, paymentStatus, paymentUpdate, paymentEmail sql.NullString
		partnerID, pendingPartnerID                           sql.NullString
		paidAt, deliveredAt, cancelledAt                      sql.NullTime
		status                                                string
	)

	err := q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id).Scan(
		&order.ID, &order.UserID,
		&order.ShippingAddress.Address, &order.ShippingAddress.City, &order.ShippingAddress.PostalCode,
		&order.ShippingAddress.Country, &order.ShippingAddress.Phone, &order.PaymentMethod,
		&paymentID, &paymentStatus, &paymentUpdate, &paymentEmail,
		&order.ItemsPrice, &order.TaxPrice, &order.ShippingPrice, &order.TotalPrice,
		&order.IsPaid, &paidAt, &order.IsDelivered, &deliveredAt, &order.IsCancelled, &cancelledAt,
		&order.IsVisibleToUser, &status, &partnerID, &pendingPartnerID,
		&order.CreatedAt, &order.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("order %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}

	order.DeliveryStatus = models.DeliveryStatus(status)
	order.DeliveryPartnerID = partnerID.String
	order.PendingDeliveryPartnerID = pendingPartnerID.String
	order.PaidAt = timePtr(paidAt)
	order.DeliveredAt = timePtr(deliveredAt)
	order.CancelledAt = timePtr(cancelledAt)
	if paymentID.Valid {
		order.PaymentResult = &models.PaymentResult{
			ID:           paymentID.String,
			Status:       paymentStatus.String,
			UpdateTime:   paymentUpdate.String,
			EmailAddress: paymentEmail.String,
		}
	}

	itemRows, err := q.QueryContext(ctx, `
		SELECT product_id, title, image, price, quantity
		FROM order_items WHERE order_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	for itemRows.Next() {
		var item models.OrderItem
		if err := itemRows.Scan(&item.ProductID, &item.Title, &item.Image, &item.Price, &item.Quantity); err != nil {
			itemRows.Close()
			return nil, err
		}
		order.Items = append(order.Items, item)
	}
	itemRows.Close()
	if err := itemRows.Err(); err != nil {
		return nil, err
	}

	timelineRows, err := q.QueryContext(ctx, `
		SELECT status, description, created_at
		FROM order_timeline WHERE order_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("load order timeline: %w", err)
	}
	defer timelineRows.Close()
	for timelineRows.Next() {
		var entry models.TimelineEntry
		if err := timelineRows.Scan(&entry.Status, &entry.Description, &entry.Timestamp); err != nil {
			return nil, err
		}
		order.Timeline = append(order.Timeline, entry)
	}
	return order, timelineRows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
