package models

import "github.com/golang-jwt/jwt/v5"

// UserRole represents the available roles for the RBAC system.
type UserRole string

const (
	RoleAdmin   UserRole = "ADMIN"
	RoleTeacher UserRole = "TEACHER"
	RoleStudent UserRole = "STUDENT"
)

// JWTClaims represents the JWT payload for access tokens. Tokens are issued
// by the external auth service; this engine only consumes them to resolve
// the acting user.
type JWTClaims struct {
	UserID string   `json:"user_id"`
	Role   UserRole `json:"role"`
	jwt.RegisteredClaims
}

// Actor converts the claims to an actor.
func (c *JWTClaims) Actor() Actor {
	return Actor{ID: c.UserID, Role: c.Role}
}

// Actor identifies who triggers a state transition.
type Actor struct {
	ID   string
	Role UserRole
}

// IsAdmin reports whether the actor holds the admin role.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
