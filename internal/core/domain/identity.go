package domain

import "time"

// Identity is the authenticated subject carried inside a session token.
type Identity struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	RoleID   int64  `json:"role_id"`
	RoleName string `json:"role_name"`
}

// IssuedToken is the result of a successful token issuance.
type IssuedToken struct {
	Token     string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}
