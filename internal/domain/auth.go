package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// OperatorClaims — содержимое токена оператора консоли
type OperatorClaims struct {
	Operator string          `json:"operator"`
	Scopes   map[string]bool `json:"scopes"` // "approvals": true, "control": true
	jwt.RegisteredClaims
}

// Scopes консоли
const (
	ScopeApprovals = "approvals"
	ScopeControl   = "control"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}
