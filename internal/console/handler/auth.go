package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/xela07ax/spaceai-orchestrator/internal/console/service"
	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
)

type TokenService interface {
	GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error)
}

type AuthHandler struct {
	service TokenService
}

func NewAuthHandler(s TokenService) *AuthHandler {
	return &AuthHandler{service: s}
}

// Login выдает токен оператора по логину и паролю
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := decode(r, &req); err != nil || req.Username == "" {
		http.Error(w, "username and password required", http.StatusBadRequest)
		return
	}

	resp, err := h.service.GenerateToken(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			// Не уточняем, что именно неверно
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
