package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jogardn/bookstore-fulfillment/internal/apperr"
	"github.com/jogardn/bookstore-fulfillment/pkg/models"
)

// Directory reads users and products from the tables the storefront owns.
type Directory struct {
	db *sql.DB
}

func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db}
}

func (d *Directory) User(ctx context.Context, id string) (*models.User, error) {
	var (
		u    models.User
		role string
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT id, name, email, phone, role, is_available FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &role, &u.IsAvailable)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("user %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	u.Role = models.Role(role)
	return &u, nil
}

func (d *Directory) Product(ctx context.Context, id string) (*models.Product, error) {
	var p models.Product
	err := d.db.QueryRowContext(ctx, `SELECT id, title, seller_id FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.Title, &p.SellerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("product %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load product: %w", err)
	}
	return &p, nil
}

// PutUser upserts a user. Used for seeding and by the integration tests.
func (d *Directory) PutUser(ctx context.Context, u models.User) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, phone, role, is_available)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, email = EXCLUDED.email, phone = EXCLUDED.phone,
			role = EXCLUDED.role, is_available = EXCLUDED.is_available`,
		u.ID, u.Name, u.Email, u.Phone, string(u.Role), u.IsAvailable)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (d *Directory) PutProduct(ctx context.Context, p models.Product) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO products (id, title, seller_id) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, seller_id = EXCLUDED.seller_id`,
		p.ID, p.Title, p.SellerID)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}
