package models

type Role string

const (
	RoleUser     Role = "user"
	RoleSeller   Role = "seller"
	RoleDelivery Role = "delivery"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleSeller, RoleDelivery, RoleAdmin:
		return true
	}
	return false
}

type User struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Phone       string `json:"phone,omitempty"`
	Role        Role   `json:"role"`
	IsAvailable bool   `json:"is_available"`
}

// HasContact reports whether a handoff code can reach this user.
func (u *User) HasContact() bool {
	return u.Email != "" || u.Phone != ""
}

type Product struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	SellerID string `json:"seller_id"`
}
