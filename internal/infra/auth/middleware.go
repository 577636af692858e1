package auth

import (
	"context"
	"net/http"

	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"go.uber.org/zap"
)

// TokenValidator — интерфейс, который реализует BaseValidator (и заглушки в тестах)
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.OperatorClaims, error)
}

type ctxKey struct{}

// ClaimsFrom достает claims оператора, положенные middleware
func ClaimsFrom(ctx context.Context) (*domain.OperatorClaims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*domain.OperatorClaims)
	return c, ok
}

// WithClaims кладет claims в контекст
func WithClaims(ctx context.Context, c *domain.OperatorClaims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireScope пропускает только операторов с нужным scope
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFrom(r.Context())
			if !ok || !claims.Scopes[scope] {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
