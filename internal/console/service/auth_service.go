package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra/auth"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// OperatorScopes — права, которые получает любой оператор консоли
var OperatorScopes = []string{domain.ScopeApprovals, domain.ScopeControl}

// AuthService выпускает токены операторов и проверяет их (BaseValidator встроен).
type AuthService struct {
	*auth.BaseValidator
	operators map[string]string // логин -> bcrypt-хеш
	issuer    *auth.Issuer
	logger    *zap.Logger
}

func NewAuthService(operators map[string]string, issuer *auth.Issuer, validator *auth.BaseValidator, logger *zap.Logger) *AuthService {
	return &AuthService{
		BaseValidator: validator,
		operators:     operators,
		issuer:        issuer,
		logger:        logger.Named("auth-service"),
	}
}

func (s *AuthService) GenerateToken(_ context.Context, username, password string) (*domain.TokenResponse, error) {
	hash, ok := s.operators[username]
	if !ok {
		s.logger.Warn("unknown operator login", zap.String("operator", username))
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		s.logger.Warn("operator login failed", zap.String("operator", username))
		return nil, ErrInvalidCredentials
	}

	resp, err := s.issuer.Issue(username, OperatorScopes)
	if err != nil {
		return nil, fmt.Errorf("auth_service: %w", err)
	}
	s.logger.Info("operator token issued", zap.String("operator", username))
	return resp, nil
}

// HashPassword готовит значение для console.operators в конфиге
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}
