package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/ledgerline/backend/internal/metrics"
	mW "github.com/ledgerline/backend/internal/middleware"
)

type RouterConfig struct {
	JWTSecret string
	Health    map[string]Pinger
	Logger    *zap.Logger
}

func newRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mW.RequestLogger(cfg.Logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", Health(cfg.Health))
	r.Handle("/metrics", metrics.Handler())
	return r
}

// NewCommandRouter serves registration, login and the ledger mutations.
func NewCommandRouter(h *LedgerHandler, users *UserHandler, cfg RouterConfig) http.Handler {
	r := newRouter(cfg)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/register", users.Register)
		r.Post("/auth/login", users.Login)

		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware(cfg.JWTSecret))

			r.Post("/accounts", h.OpenAccount)
			r.Post("/deposit", h.Deposit)
			r.Post("/withdraw", h.Withdraw)
		})
	})
	return r
}

// NewQueryRouter serves reads from the replica.
func NewQueryRouter(h *QueryHandler, cfg RouterConfig) http.Handler {
	r := newRouter(cfg)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mW.AuthMiddleware(cfg.JWTSecret))

		r.Get("/transactions", h.ListTransactions)
		r.Get("/accounts/{accountID}", h.GetAccount)
	})
	return r
}
