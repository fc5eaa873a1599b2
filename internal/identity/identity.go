// Package identity owns user accounts: credentials, roles and the
// account-disabled state that behavioral enforcement relies on.
package identity

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound           = errors.New("identity: user not found")
	ErrUserExists         = errors.New("identity: user already exists")
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	ErrInvalidRole        = errors.New("identity: invalid role")
)

// Role grants access to the operator surface.
type Role string

const (
	RoleUser    Role = "user"
	RoleAnalyst Role = "analyst"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAnalyst, RoleAdmin:
		return true
	}
	return false
}

// CanReview reports whether the role may read security events and monitor state.
func (r Role) CanReview() bool { return r == RoleAnalyst || r == RoleAdmin }

// User is an account record. Active is false once the account is disabled.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	Active       bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store persists accounts.
type Store interface {
	Create(ctx context.Context, u *User) error
	GetByUsername(ctx context.Context, username string) (*User, error)
	GetByID(ctx context.Context, id int64) (*User, error)
	SetActive(ctx context.Context, username string, active bool) error
	SetRole(ctx context.Context, username string, role Role) error
}

// Blocklist is a shared record of disabled accounts, consulted before the store.
type Blocklist interface {
	Block(ctx context.Context, username string) error
	Unblock(ctx context.Context, username string) error
	IsBlocked(ctx context.Context, username string) (bool, error)
}
