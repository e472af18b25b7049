// Package domain contains core domain types for the storefront session and cart layer.
package domain

import "strings"

// Role names understood by the storefront.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is the snapshot of the authenticated account returned by the backend.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

// HasRole reports whether the user carries the given role.
func (u *User) HasRole(role string) bool {
	if u == nil {
		return false
	}
	return strings.EqualFold(u.Role, role)
}

// IsAdmin returns true for accounts with the admin role.
func (u *User) IsAdmin() bool {
	return u.HasRole(RoleAdmin)
}
