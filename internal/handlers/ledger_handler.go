package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/ledgerline/backend/internal/middleware"
	"github.com/ledgerline/backend/internal/models"
	"github.com/ledgerline/backend/internal/services"
)

// LedgerCommands is the command side used by LedgerHandler.
type LedgerCommands interface {
	OpenAccount(ctx context.Context, ownerID string) (*models.Account, error)
	Deposit(ctx context.Context, accountID string, amount int64, description, userID string) (*models.MutationResult, error)
	Withdraw(ctx context.Context, accountID string, amount int64, description, userID string) (*models.MutationResult, error)
}

type LedgerHandler struct {
	service   LedgerCommands
	validator *services.ValidationHelper
	logger    *zap.Logger
}

func NewLedgerHandler(service LedgerCommands, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{
		service:   service,
		validator: services.NewValidationHelper(),
		logger:    logger.With(zap.String("handler", "ledger")),
	}
}

type mutationRequest struct {
	AccountID   string `json:"account_id" validate:"required"`
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	Description string `json:"description" validate:"max=255"`
}

// OpenAccount opens an empty account for the authenticated user.
func (h *LedgerHandler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	account, err := h.service.OpenAccount(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, account)
}

func (h *LedgerHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, models.TransactionTypeDeposit)
}

func (h *LedgerHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, models.TransactionTypeWithdraw)
}

func (h *LedgerHandler) mutate(w http.ResponseWriter, r *http.Request, txType string) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req mutationRequest
	if !decodeBody(w, r, h.validator, &req) {
		return
	}

	operation := h.service.Deposit
	if txType == models.TransactionTypeWithdraw {
		operation = h.service.Withdraw
	}

	result, err := operation(r.Context(), req.AccountID, req.Amount, req.Description, userID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"status":         txType + " successful",
		"account_id":     result.AccountID,
		"balance":        result.Balance,
		"transaction_id": result.TransactionID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeBody reads a single JSON object into dst and validates it. It writes
// the 400 response itself and reports whether the handler may continue.
func decodeBody(w http.ResponseWriter, r *http.Request, v *services.ValidationHelper, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	if err := v.ValidateStruct(dst); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}
