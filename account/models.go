package account

import (
	"time"

	"gigflow/commission"
)

type Role string

const (
	RoleCustomer  Role = "customer"
	RolePerformer Role = "performer"
	RoleAdmin     Role = "admin"
)

// User is the domain representation of a platform account. It mirrors the
// users table and carries no JSON annotations so it can be reused by
// different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Phone        *string
	Role         Role
	Tier         commission.Tier
	Rating       float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Email    string          `json:"email"`
	Password string          `json:"password"`
	FullName string          `json:"full_name"`
	Role     Role            `json:"role"`
	Tier     commission.Tier `json:"tier"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
