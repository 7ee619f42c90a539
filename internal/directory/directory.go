// Package directory resolves the users and products an order refers to.
// It is read-only from the fulfillment side.
package directory

import (
	"context"

	"github.com/jogardn/bookstore-fulfillment/internal/apperr"
	"github.com/jogardn/bookstore-fulfillment/pkg/models"
)

type Directory interface {
	User(ctx context.Context, id string) (*models.User, error)
	Product(ctx context.Context, id string) (*models.Product, error)
}

// SellerOwnsOrder reports whether sellerID owns at least one product in the order.
// Products that no longer resolve are skipped.
func SellerOwnsOrder(ctx context.Context, dir Directory, sellerID string, order *models.Order) (bool, error) {
	for _, item := range order.Items {
		product, err := dir.Product(ctx, item.ProductID)
		if err != nil {
			if apperr.Is(err, apperr.KindNotFound) {
				continue
			}
			return false, err
		}
		if product.SellerID == sellerID {
			return true, nil
		}
	}
	return false, nil
}
