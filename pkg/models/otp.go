package models

import "time"

type CodePurpose string

const (
	PurposeHandoffAssignment   CodePurpose = "handoff_assignment"
	PurposeHandoffConfirmation CodePurpose = "handoff_confirmation"
)

func (p CodePurpose) Valid() bool {
	return p == PurposeHandoffAssignment || p == PurposeHandoffConfirmation
}

// OneTimeCode is a handoff verification ticket for exactly one order and purpose.
type OneTimeCode struct {
	ID         string      `json:"id"`
	OrderID    string      `json:"order_id"`
	Email      string      `json:"email"`
	Phone      string      `json:"phone,omitempty"`
	Code       string      `json:"-"`
	Purpose    CodePurpose `json:"purpose"`
	ExpiresAt  time.Time   `json:"expires_at"`
	IsVerified bool        `json:"is_verified"`
	CreatedAt  time.Time   `json:"created_at"`
}

func (c *OneTimeCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
