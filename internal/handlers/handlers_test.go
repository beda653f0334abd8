package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ledgerline/backend/internal/middleware"
	"github.com/ledgerline/backend/internal/models"
	"github.com/ledgerline/backend/internal/services"
)

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) OpenAccount(ctx context.Context, ownerID string) (*models.Account, error) {
	args := m.Called(ownerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Account), args.Error(1)
}

func (m *MockLedger) Deposit(ctx context.Context, accountID string, amount int64, description, userID string) (*models.MutationResult, error) {
	args := m.Called(accountID, amount, description, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.MutationResult), args.Error(1)
}

func (m *MockLedger) Withdraw(ctx context.Context, accountID string, amount int64, description, userID string) (*models.MutationResult, error) {
	args := m.Called(accountID, amount, description, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.MutationResult), args.Error(1)
}

type MockQueries struct {
	mock.Mock
}

func (m *MockQueries) ListTransactions(ctx context.Context, userID string, filter services.TransactionFilter, ordering string, req services.PageRequest) (*services.TransactionPage, error) {
	args := m.Called(userID, filter, ordering, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.TransactionPage), args.Error(1)
}

func (m *MockQueries) GetAccount(ctx context.Context, userID, accountID string) (*models.Account, error) {
	args := m.Called(userID, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Account), args.Error(1)
}

func authed(req *http.Request, userID string) *http.Request {
	return req.WithContext(middleware.WithUserID(req.Context(), userID))
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) services.ErrorResponse {
	t.Helper()
	var resp services.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestLedgerHandler_Deposit(t *testing.T) {
	ledger := &MockLedger{}
	h := NewLedgerHandler(ledger, zap.NewNop())

	ledger.On("Deposit", "acc-1", int64(500), "salary", "user-1").
		Return(&models.MutationResult{AccountID: "acc-1", Balance: 1500, TransactionID: "tx-1"}, nil)

	req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/deposit",
		strings.NewReader(`{"account_id":"acc-1","amount":500,"description":"salary"}`)), "user-1")
	w := httptest.NewRecorder()
	h.Deposit(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "deposit successful", resp["status"])
	assert.Equal(t, float64(1500), resp["balance"])
	assert.Equal(t, "tx-1", resp["transaction_id"])
	ledger.AssertExpectations(t)
}

func TestLedgerHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"insufficient funds", fmt.Errorf("%w: balance 100", services.ErrInsufficientFunds), http.StatusBadRequest, "Insufficient funds"},
		{"not owner", services.ErrAuthorization, http.StatusForbidden, "You do not have permission to access this account"},
		{"unknown account", services.ErrNotFound, http.StatusNotFound, "Not found"},
		{"lock contention", services.ErrTransientStore, http.StatusServiceUnavailable, "Service temporarily unavailable, please retry"},
		{"validation", services.ErrValidation, http.StatusBadRequest, "Validation failed"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "Internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := &MockLedger{}
			ledger.On("Withdraw", "acc-1", int64(800), "", "user-1").Return(nil, tt.err)
			h := NewLedgerHandler(ledger, zap.NewNop())

			req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/withdraw",
				strings.NewReader(`{"account_id":"acc-1","amount":800}`)), "user-1")
			w := httptest.NewRecorder()
			h.Withdraw(w, req)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.message, decodeError(t, w).Error)
		})
	}
}

func TestLedgerHandler_RejectsBadRequests(t *testing.T) {
	ledger := &MockLedger{}
	h := NewLedgerHandler(ledger, zap.NewNop())

	bodies := map[string]string{
		"negative amount": `{"account_id":"acc-1","amount":-1}`,
		"zero amount":     `{"account_id":"acc-1","amount":0}`,
		"missing account": `{"amount":10}`,
		"unknown field":   `{"account_id":"acc-1","amount":10,"currency":"NGN"}`,
		"two objects":     `{"account_id":"acc-1","amount":10}{}`,
		"not json":        `amount=10`,
		"fractional":      `{"account_id":"acc-1","amount":1.5}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/deposit", strings.NewReader(body)), "user-1")
			w := httptest.NewRecorder()
			h.Deposit(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}

	t.Run("unauthenticated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/deposit", strings.NewReader(`{"account_id":"acc-1","amount":10}`))
		w := httptest.NewRecorder()
		h.Deposit(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	ledger.AssertNotCalled(t, "Deposit", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestLedgerHandler_OpenAccount(t *testing.T) {
	ledger := &MockLedger{}
	ledger.On("OpenAccount", "user-1").Return(&models.Account{ID: "acc-1", OwnerID: "user-1", Version: 1}, nil)
	h := NewLedgerHandler(ledger, zap.NewNop())

	w := httptest.NewRecorder()
	h.OpenAccount(w, authed(httptest.NewRequest(http.MethodPost, "/api/v1/accounts", nil), "user-1"))

	assert.Equal(t, http.StatusCreated, w.Code)
	var account models.Account
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &account))
	assert.Equal(t, "acc-1", account.ID)
}

func TestQueryHandler_ListTransactions(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)

	t.Run("page parameter selects offset pagination", func(t *testing.T) {
		queries := &MockQueries{}
		queries.On("ListTransactions", "user-1",
			services.TransactionFilter{AccountID: "acc-1", Type: "deposit", Start: &start, End: &end},
			"-amount",
			services.OffsetPage{Page: 2, Size: 20},
		).Return(&services.TransactionPage{
			Count:    45,
			Results:  []models.Transaction{{ID: "tx-21"}},
			NextPage: 3,
		}, nil)
		h := NewQueryHandler(queries, zap.NewNop())

		req := authed(httptest.NewRequest(http.MethodGet,
			"/api/v1/transactions?account_id=acc-1&transaction_type=deposit&start_date=2024-03-01&end_date=2024-03-31&ordering=-amount&page=2&page_size=20", nil), "user-1")
		w := httptest.NewRecorder()
		h.ListTransactions(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var resp listResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 45, resp.Count)
		assert.Contains(t, resp.Next, "page=3")
		assert.Contains(t, resp.Previous, "page=1")
		queries.AssertExpectations(t)
	})

	t.Run("no page parameter selects cursor pagination", func(t *testing.T) {
		queries := &MockQueries{}
		queries.On("ListTransactions", "user-1", services.TransactionFilter{}, "",
			services.CursorPage{Cursor: "abc", Size: 0},
		).Return(&services.TransactionPage{Results: []models.Transaction{}, NextCursor: "def"}, nil)
		h := NewQueryHandler(queries, zap.NewNop())

		req := authed(httptest.NewRequest(http.MethodGet, "/api/v1/transactions?cursor=abc", nil), "user-1")
		w := httptest.NewRecorder()
		h.ListTransactions(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var resp listResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Contains(t, resp.Next, "cursor=def")
		assert.Empty(t, resp.Previous)
		queries.AssertExpectations(t)
	})

	t.Run("malformed parameters", func(t *testing.T) {
		queries := &MockQueries{}
		h := NewQueryHandler(queries, zap.NewNop())

		for _, query := range []string{
			"start_date=03/01/2024",
			"end_date=yesterday",
			"page=0",
			"page=two",
			"page_size=-3",
			"transaction_type=refund",
		} {
			req := authed(httptest.NewRequest(http.MethodGet, "/api/v1/transactions?"+query, nil), "user-1")
			w := httptest.NewRecorder()
			h.ListTransactions(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code, query)
		}
		queries.AssertNotCalled(t, "ListTransactions", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestQueryHandler_GetAccount(t *testing.T) {
	queries := &MockQueries{}
	queries.On("GetAccount", "user-1", "acc-1").Return(&models.Account{ID: "acc-1", OwnerID: "user-1", Balance: 1200}, nil)
	queries.On("GetAccount", "user-1", "acc-2").Return(nil, services.ErrAuthorization)
	h := NewQueryHandler(queries, zap.NewNop())

	r := chi.NewRouter()
	r.Get("/accounts/{accountID}", h.GetAccount)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, authed(httptest.NewRequest(http.MethodGet, "/accounts/acc-1", nil), "user-1"))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, authed(httptest.NewRequest(http.MethodGet, "/accounts/acc-2", nil), "user-1"))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

type MockUsers struct {
	mock.Mock
}

func (m *MockUsers) Register(ctx context.Context, req services.RegisterRequest) (*services.AuthResponse, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.AuthResponse), args.Error(1)
}

func (m *MockUsers) Login(ctx context.Context, req services.LoginRequest) (*services.AuthResponse, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.AuthResponse), args.Error(1)
}

func TestUserHandler(t *testing.T) {
	users := &MockUsers{}
	h := NewUserHandler(users, zap.NewNop())

	t.Run("register", func(t *testing.T) {
		req := services.RegisterRequest{Username: "ada", Email: "ada@example.com", Password: "password123"}
		users.On("Register", req).Return(&services.AuthResponse{Token: "tok", User: models.User{ID: "user-1"}}, nil).Once()

		w := httptest.NewRecorder()
		h.Register(w, httptest.NewRequest(http.MethodPost, "/api/v1/auth/register",
			strings.NewReader(`{"username":"ada","email":"ada@example.com","password":"password123"}`)))
		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Contains(t, w.Body.String(), `"token":"tok"`)
	})

	t.Run("register conflict", func(t *testing.T) {
		users.On("Register", mock.Anything).Return(nil, fmt.Errorf("%w: username", services.ErrConflict)).Once()

		w := httptest.NewRecorder()
		h.Register(w, httptest.NewRequest(http.MethodPost, "/api/v1/auth/register",
			strings.NewReader(`{"username":"ada","email":"ada@example.com","password":"password123"}`)))
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("register validation", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Register(w, httptest.NewRequest(http.MethodPost, "/api/v1/auth/register",
			strings.NewReader(`{"username":"ada","email":"not-an-email","password":"pw"}`)))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("login bad credentials", func(t *testing.T) {
		users.On("Login", services.LoginRequest{Username: "ada", Password: "nope"}).Return(nil, services.ErrInvalidCredentials).Once()

		w := httptest.NewRecorder()
		h.Login(w, httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
			strings.NewReader(`{"username":"ada","password":"nope"}`)))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	users.AssertExpectations(t)
}

type fakePinger struct{ err error }

func (p fakePinger) PingContext(ctx context.Context) error { return p.err }

func TestCommandRouter(t *testing.T) {
	const secret = "router-secret"
	ledger := &MockLedger{}
	ledger.On("Deposit", "acc-1", int64(5), "", "user-1").
		Return(&models.MutationResult{AccountID: "acc-1", Balance: 5, TransactionID: "tx-1"}, nil)

	router := NewCommandRouter(NewLedgerHandler(ledger, zap.NewNop()), NewUserHandler(&MockUsers{}, zap.NewNop()), RouterConfig{
		JWTSecret: secret,
		Health:    map[string]Pinger{"ledger_db": fakePinger{}},
		Logger:    zap.NewNop(),
	})

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": "user-1"}).SignedString([]byte(secret))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/deposit", strings.NewReader(`{"account_id":"acc-1","amount":5}`))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/deposit", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealth_Unhealthy(t *testing.T) {
	w := httptest.NewRecorder()
	Health(map[string]Pinger{
		"read_db": fakePinger{},
		"redis":   fakePinger{err: errors.New("connection refused")},
	})(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, "ok", body["read_db"])
}
