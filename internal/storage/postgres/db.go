// Package postgres implements the order ledger, notification store and
// directory on PostgreSQL through database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

type Options struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectAttempts int
}

// Open connects, waits for the database to accept connections and makes
// sure the schema exists.
func Open(ctx context.Context, opts Options, logger *logrus.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", opts.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	attempts := opts.ConnectAttempts
	if attempts <= 0 {
		attempts = 30
	}
	for i := 0; i < attempts; i++ {
		if err = db.PingContext(ctx); err == nil {
			logger.Info("Database connection established")
			break
		}
		logger.Info("Waiting for database...")
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("database not ready: %w", err)
	}

	if err := CreateTables(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return db, nil
}

func CreateTables(ctx context.Context, db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(255) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			email VARCHAR(255) NOT NULL DEFAULT '',
			phone VARCHAR(50) NOT NULL DEFAULT '',
			role VARCHAR(20) NOT NULL,
			is_available BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS products (
			id VARCHAR(255) PRIMARY KEY,
			title VARCHAR(255) NOT NULL,
			seller_id VARCHAR(255) NOT NULL REFERENCES users(id)
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id VARCHAR(255) PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			address TEXT NOT NULL DEFAULT '',
			city VARCHAR(255) NOT NULL DEFAULT '',
			postal_code VARCHAR(50) NOT NULL DEFAULT '',
			country VARCHAR(100) NOT NULL DEFAULT '',
			phone VARCHAR(50) NOT NULL DEFAULT '',
			payment_method VARCHAR(100) NOT NULL DEFAULT '',
			payment_id VARCHAR(255),
			payment_status VARCHAR(100),
			payment_update_time VARCHAR(100),
			payment_email VARCHAR(255),
			items_price NUMERIC(12,2) NOT NULL DEFAULT 0,
			tax_price NUMERIC(12,2) NOT NULL DEFAULT 0,
			shipping_price NUMERIC(12,2) NOT NULL DEFAULT 0,
			total_price NUMERIC(12,2) NOT NULL DEFAULT 0,
			is_paid BOOLEAN NOT NULL DEFAULT FALSE,
			paid_at TIMESTAMPTZ,
			is_delivered BOOLEAN NOT NULL DEFAULT FALSE,
			delivered_at TIMESTAMPTZ,
			is_cancelled BOOLEAN NOT NULL DEFAULT FALSE,
			cancelled_at TIMESTAMPTZ,
			is_visible_to_user BOOLEAN NOT NULL DEFAULT TRUE,
			delivery_status VARCHAR(50) NOT NULL,
			delivery_partner_id VARCHAR(255),
			pending_delivery_partner_id VARCHAR(255),
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			CONSTRAINT delivered_xor_cancelled CHECK (NOT (is_delivered AND is_cancelled))
		)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			id SERIAL PRIMARY KEY,
			order_id VARCHAR(255) NOT NULL REFERENCES orders(id),
			product_id VARCHAR(255) NOT NULL,
			title VARCHAR(255) NOT NULL,
			image TEXT NOT NULL DEFAULT '',
			price NUMERIC(12,2) NOT NULL,
			quantity INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS order_timeline (
			id BIGSERIAL PRIMARY KEY,
			order_id VARCHAR(255) NOT NULL REFERENCES orders(id),
			status VARCHAR(50) NOT NULL,
			description TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id VARCHAR(255) PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			type VARCHAR(50) NOT NULL,
			message TEXT NOT NULL,
			related_id VARCHAR(255),
			is_read BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_user_id ON orders(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_delivery_partner_id ON orders(delivery_partner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_pending_delivery_partner_id ON orders(pending_delivery_partner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_order_items_order_id ON order_items(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_order_timeline_order_id ON order_timeline(order_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user_id ON notifications(user_id, created_at DESC)`,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return err
		}
	}

	return nil
}
