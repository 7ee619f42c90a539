package memory

import (
	"context"
	"sync"

	"github.com/jogardn/bookstore-fulfillment/internal/apperr"
	"github.com/jogardn/bookstore-fulfillment/pkg/models"
)

type Directory struct {
	users    map[string]*models.User
	products map[string]*models.Product
	mutex    sync.RWMutex
}

func NewDirectory() *Directory {
	return &Directory{
		users:    make(map[string]*models.User),
		products: make(map[string]*models.Product),
	}
}

func (d *Directory) PutUser(ctx context.Context, u models.User) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.users[u.ID] = &u
	return nil
}

func (d *Directory) PutProduct(ctx context.Context, p models.Product) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.products[p.ID] = &p
	return nil
}

func (d *Directory) User(ctx context.Context, id string) (*models.User, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	u, ok := d.users[id]
	if !ok {
		return nil, apperr.NotFound("user %s not found", id)
	}
	c := *u
	return &c, nil
}

func (d *Directory) Product(ctx context.Context, id string) (*models.Product, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	p, ok := d.products[id]
	if !ok {
		return nil, apperr.NotFound("product %s not found", id)
	}
	c := *p
	return &c, nil
}
