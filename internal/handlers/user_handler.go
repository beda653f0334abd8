package handlers

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ledgerline/backend/internal/services"
)

type UserAccounts interface {
	Register(ctx context.Context, req services.RegisterRequest) (*services.AuthResponse, error)
	Login(ctx context.Context, req services.LoginRequest) (*services.AuthResponse, error)
}

type UserHandler struct {
	service   UserAccounts
	validator *services.ValidationHelper
	logger    *zap.Logger
}

func NewUserHandler(service UserAccounts, logger *zap.Logger) *UserHandler {
	return &UserHandler{
		service:   service,
		validator: services.NewValidationHelper(),
		logger:    logger.With(zap.String("handler", "users")),
	}
}

func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req services.RegisterRequest
	if !decodeBody(w, r, h.validator, &req) {
		return
	}

	resp, err := h.service.Register(r.Context(), req)
	if errors.Is(err, services.ErrConflict) {
		services.SendErrorResponse(w, "Username or email already registered", http.StatusConflict, nil)
		return
	}
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

func (h *UserHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req services.LoginRequest
	if !decodeBody(w, r, h.validator, &req) {
		return
	}

	resp, err := h.service.Login(r.Context(), req)
	if errors.Is(err, services.ErrInvalidCredentials) {
		services.SendErrorResponse(w, "Invalid username or password", http.StatusUnauthorized, nil)
		return
	}
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
