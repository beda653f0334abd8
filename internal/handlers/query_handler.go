package handlers

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ledgerline/backend/internal/middleware"
	"github.com/ledgerline/backend/internal/models"
	"github.com/ledgerline/backend/internal/services"
)

// TransactionQueries is the read side used by QueryHandler.
type TransactionQueries interface {
	ListTransactions(ctx context.Context, userID string, filter services.TransactionFilter, ordering string, req services.PageRequest) (*services.TransactionPage, error)
	GetAccount(ctx context.Context, userID, accountID string) (*models.Account, error)
}

type QueryHandler struct {
	service   TransactionQueries
	validator *services.ValidationHelper
	logger    *zap.Logger
}

func NewQueryHandler(service TransactionQueries, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{
		service:   service,
		validator: services.NewValidationHelper(),
		logger:    logger.With(zap.String("handler", "query")),
	}
}

type listResponse struct {
	Count    int                  `json:"count"`
	Next     string               `json:"next,omitempty"`
	Previous string               `json:"previous,omitempty"`
	Results  []models.Transaction `json:"results"`
}

// ListTransactions serves GET /transactions. A page parameter selects
// offset pagination; otherwise the cursor parameter is followed.
func (h *QueryHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	q := r.URL.Query()
	filter := services.TransactionFilter{
		AccountID: q.Get("account_id"),
		Type:      q.Get("transaction_type"),
	}
	if filter.Type != "" {
		if err := h.validator.ValidateVar(filter.Type, "oneof=deposit withdraw"); err != nil {
			services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
			return
		}
	}

	var err error
	if filter.Start, err = parseDate(q.Get("start_date")); err != nil {
		services.SendErrorResponse(w, "start_date must be YYYY-MM-DD", http.StatusBadRequest, nil)
		return
	}
	if filter.End, err = parseDate(q.Get("end_date")); err != nil {
		services.SendErrorResponse(w, "end_date must be YYYY-MM-DD", http.StatusBadRequest, nil)
		return
	}

	size := 0
	if raw := q.Get("page_size"); raw != "" {
		if size, err = strconv.Atoi(raw); err != nil || size < 1 {
			services.SendErrorResponse(w, "page_size must be a positive integer", http.StatusBadRequest, nil)
			return
		}
	}

	var (
		req  services.PageRequest
		page int
	)
	if q.Has("page") {
		if page, err = strconv.Atoi(q.Get("page")); err != nil || page < 1 {
			services.SendErrorResponse(w, "page must be a positive integer", http.StatusBadRequest, nil)
			return
		}
		req = services.OffsetPage{Page: page, Size: size}
	} else {
		req = services.CursorPage{Cursor: q.Get("cursor"), Size: size}
	}

	result, err := h.service.ListTransactions(r.Context(), userID, filter, q.Get("ordering"), req)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	resp := listResponse{Count: result.Count, Results: result.Results}
	switch {
	case result.NextPage > 0:
		resp.Next = pageLink(r.URL, "page", strconv.Itoa(result.NextPage))
	case result.NextCursor != "":
		resp.Next = pageLink(r.URL, "cursor", result.NextCursor)
	}
	if page > 1 {
		resp.Previous = pageLink(r.URL, "page", strconv.Itoa(page-1))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetAccount serves GET /accounts/{accountID} from the read store.
func (h *QueryHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	account, err := h.service.GetAccount(r.Context(), userID, chi.URLParam(r, "accountID"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func pageLink(u *url.URL, key, value string) string {
	q := u.Query()
	q.Set(key, value)
	link := url.URL{Path: u.Path, RawQuery: q.Encode()}
	return link.String()
}
