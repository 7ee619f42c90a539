package fulfillment

import (
	"github.com/jogardn/bookstore-fulfillment/internal/apperr"
	"github.com/jogardn/bookstore-fulfillment/pkg/models"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID string
	Role   models.Role
}

func (a Actor) Is(role models.Role) bool {
	return a.Role == role
}

func (a Actor) validate() error {
	if a.UserID == "" || !a.Role.Valid() {
		return apperr.Unauthorized("authentication required")
	}
	return nil
}

func requireRole(a Actor, roles ...models.Role) error {
	if err := a.validate(); err != nil {
		return err
	}
	for _, r := range roles {
		if a.Role == r {
			return nil
		}
	}
	return apperr.Unauthorized("role %s may not perform this action", a.Role)
}
