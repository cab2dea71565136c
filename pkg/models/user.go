package models

// User roles.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

// ValidRole reports whether r is a recognized user role.
func ValidRole(r string) bool {
	return r == RoleAdmin || r == RoleOperator
}

// User is an operator account. PasswordHash is bcrypt and only appears in
// the full (persistence) projection; Public strips it for API responses.
type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	DisplayName  string `json:"display_name,omitempty"`
	Email        string `json:"email,omitempty"`
	Role         string `json:"role"`
	PasswordHash string `json:"password_hash,omitempty"`
	CreatedAt    string `json:"created_at"`
	LastLogin    string `json:"last_login,omitempty"`
	Disabled     bool   `json:"disabled,omitempty"`
}

// Public returns the representation safe to hand to clients: same user with
// the password hash stripped.
func (u User) Public() User {
	u.PasswordHash = ""
	return u
}
