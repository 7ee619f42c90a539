package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jogardn/bookstore-fulfillment/internal/apperr"
	"github.com/jogardn/bookstore-fulfillment/pkg/models"
)

type NotificationStore struct {
	db *sql.DB
}

func NewNotificationStore(db *sql.DB) *NotificationStore {
	return &NotificationStore{db: db}
}

func (s *NotificationStore) Create(ctx context.Context, n *models.Notification) error {
	var related sql.NullString
	if n.RelatedID != "" {
		related = sql.NullString{String: n.RelatedID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, message, related_id, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.UserID, string(n.Type), n.Message, related, n.IsRead, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *NotificationStore) Get(ctx context.Context, id string) (*models.Notification, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, type, message, related_id, is_read, created_at
		FROM notifications WHERE id = $1`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("notification %s not found", id)
	}
	return n, err
}

func (s *NotificationStore) ListByUser(ctx context.Context, userID string, limit int) ([]*models.Notification, error) {
	query := `
		SELECT id, user_id, type, message, related_id, is_read, created_at
		FROM notifications WHERE user_id = $1
		ORDER BY created_at DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *NotificationStore) MarkRead(ctx context.Context, id string) (*models.Notification, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE notifications SET is_read = TRUE WHERE id = $1
		RETURNING id, user_id, type, message, related_id, is_read, created_at`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("notification %s not found", id)
	}
	return n, err
}

func (s *NotificationStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("notification %s not found", id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(row scanner) (*models.Notification, error) {
	var (
		n       models.Notification
		typ     string
		related sql.NullString
	)
	if err := row.Scan(&n.ID, &n.UserID, &typ, &n.Message, &related, &n.IsRead, &n.CreatedAt); err != nil {
		return nil, err
	}
	n.Type = models.NotificationType(typ)
	n.RelatedID = related.String
	return &n, nil
}
