// Package api provides the HTTP server for satsjar.
// Every route under /api acts on behalf of the account named in the
// X-Account-ID header; family membership and role are checked by the
// application services, not here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/satsjar/satsjar/internal/app/escrow"
	"github.com/satsjar/satsjar/internal/app/ledger"
	"github.com/satsjar/satsjar/internal/app/limiter"
	"github.com/satsjar/satsjar/internal/app/payout"
	"github.com/satsjar/satsjar/internal/app/recovery"
	"github.com/satsjar/satsjar/internal/app/scheduler"
	"github.com/satsjar/satsjar/internal/app/walletsvc"
	"github.com/satsjar/satsjar/internal/domain"
	"github.com/satsjar/satsjar/internal/infra/observability"
	"github.com/satsjar/satsjar/internal/infra/sqlite"
)

// Identity headers.
const (
	HeaderAccountID  = "X-Account-ID"
	HeaderAccountPIN = "X-Account-PIN"
)

// Services are the application services the API exposes.
type Services struct {
	DB        *sqlite.DB
	Ledger    *ledger.Ledger
	Escrow    *escrow.Service
	Payouts   *payout.Service
	Wallets   *walletsvc.Service
	Recovery  *recovery.Service
	Limits    *limiter.Limiter
	Scheduler *scheduler.Scheduler
	Audit     *observability.AuditLog
	Clock     domain.Clock
}

// Server is the satsjar HTTP API server.
type Server struct {
	svc            Services
	metricsEnabled bool
	timeout        time.Duration
	version        string
}

// NewServer creates a new API server.
func NewServer(svc Services) *Server {
	if svc.Clock == nil {
		svc.Clock = domain.RealClock{}
	}
	return &Server{svc: svc, timeout: time.Minute, version: "dev"}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetVersion sets the version reported by /api/version.
func (s *Server) SetVersion(v string) { s.version = v }

// SetRequestTimeout bounds every request. It must exceed the payment timeout.
func (s *Server) SetRequestTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
		})

		// Creating the first guardian of a family needs no identity.
		r.With(s.optionalIdentity).Post("/accounts", s.handleCreateAccount)

		r.Group(func(r chi.Router) {
			r.Use(s.identity)
			s.mountAuthenticated(r)
		})
	})

	return r
}

func (s *Server) mountAuthenticated(r chi.Router) {
	r.Route("/accounts/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetAccount)
		r.Get("/transactions", s.handleTransactions)
		r.Get("/earnings", s.handleEarnings)
		r.Get("/reconcile", s.handleReconcile)
	})

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.handleCreateTask)
		r.Get("/", s.handleListTasks)
		r.Get("/{id}", s.handleGetTask)
		r.Patch("/{id}", s.handleUpdateTask)
		r.Delete("/{id}", s.handleDeleteTask)
		r.Post("/{id}/accept", s.handleAcceptTask)
		r.Post("/{id}/submit", s.handleSubmitTask)
		r.Post("/{id}/approve", s.handleApproveTask)
		r.Post("/{id}/archive", s.handleArchiveTask)
	})

	r.Route("/wallet", func(r chi.Router) {
		r.Put("/active", s.handleSetActiveWallet)
		r.Put("/payout-address", s.handleSetPayoutAddress)
		r.Put("/{kind}", s.handleSetupWallet)
		r.Post("/{kind}/test", s.handleTestWallet)
		r.Delete("/{kind}", s.handleDeleteWallet)
	})

	r.Post("/payouts/instant", s.handleGrant(s.svc.Payouts.Instant))
	r.Post("/payouts/allowance", s.handleGrant(s.svc.Payouts.Allowance))
	r.Post("/payouts/bonus", s.handleGrant(s.svc.Payouts.Bonus))
	r.Post("/withdrawals", s.handleSpend(s.svc.Payouts.Withdraw))
	r.Post("/donations", s.handleSpend(s.svc.Payouts.Donate))

	r.Get("/failed-payments", s.handleListFailed)
	r.Post("/failed-payments/{id}/retry", s.handleRetryFailed)
	r.Post("/failed-payments/{id}/cancel", s.handleCancelFailed)

	r.Get("/limits", s.handleGetLimits)
	r.Put("/limits/{accountID}", s.handleSetLimits)

	r.Post("/recurring", s.handleCreateRecurring)
	r.Get("/recurring", s.handleListRecurring)
	r.Delete("/recurring/{id}", s.handleDeactivateRecurring)

	r.Get("/audit", s.handleAudit)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DB.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "db": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Identity ───────────────────────────────────────────────────────────────

type ctxKey struct{}

// caller returns the authenticated account of the request.
func caller(r *http.Request) *domain.Account {
	a, _ := r.Context().Value(ctxKey{}).(*domain.Account)
	return a
}

// authenticate resolves the identity headers. A missing header yields a nil
// account and no error.
func (s *Server) authenticate(r *http.Request) (*domain.Account, error) {
	id := r.Header.Get(HeaderAccountID)
	if id == "" {
		return nil, nil
	}
	a, err := s.svc.DB.GetAccount(r.Context(), id)
	if err != nil {
		return nil, domain.ErrForbidden
	}
	if a.PINHash != "" {
		if bcrypt.CompareHashAndPassword([]byte(a.PINHash), []byte(r.Header.Get(HeaderAccountPIN))) != nil {
			return nil, domain.ErrForbidden
		}
	}
	return a, nil
}

func (s *Server) identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, err := s.authenticate(r)
		if err == nil && a == nil {
			err = domain.ErrForbidden
		}
		if err != nil {
			writeErr(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, a)))
	})
}

func (s *Server) optionalIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, err := s.authenticate(r)
		if err != nil {
			writeErr(w, err)
			return
		}
		if a != nil {
			r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, a))
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Errors ─────────────────────────────────────────────────────────────────

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error        string       `json:"error"`
	Code         string       `json:"code"`
	Task         *domain.Task `json:"task,omitempty"`
	Remaining    *int64       `json:"remaining,omitempty"`
	RetryAfterMS *int64       `json:"retry_after_ms,omitempty"`
	ResetAt      *time.Time   `json:"reset_at,omitempty"`
	LimitKind    string       `json:"limit_kind,omitempty"`
}

// classify maps an error to its HTTP status and code.
func classify(err error) (int, errorBody) {
	body := errorBody{Error: err.Error()}

	var conflict *escrow.ConflictError
	var limit *limiter.LimitError
	switch {
	case errors.As(err, &conflict):
		body.Code, body.Task = "conflict", conflict.Task
		return http.StatusConflict, body
	case errors.Is(err, domain.ErrConflict):
		body.Code = "conflict"
		return http.StatusConflict, body
	case errors.As(err, &limit):
		retry := limit.RetryAfter.Milliseconds()
		body.Code, body.LimitKind = "limit_exceeded", limit.Kind
		body.Remaining, body.RetryAfterMS = &limit.Remaining, &retry
		if !limit.ResetAt.IsZero() {
			body.ResetAt = &limit.ResetAt
		}
		return http.StatusTooManyRequests, body
	case errors.Is(err, domain.ErrCredentialsUnusable):
		body.Code = "reconfigure_wallet"
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, domain.ErrNoBackend):
		body.Code = "no_backend"
		return http.StatusPreconditionFailed, body
	case errors.Is(err, domain.ErrInvalidDescriptor), errors.Is(err, domain.ErrInvalidConfig):
		body.Code = "invalid_config"
		return http.StatusBadRequest, body
	case errors.Is(err, domain.ErrInsufficientFunds):
		body.Code = "insufficient_funds"
		return http.StatusPaymentRequired, body
	case domain.IsBackendError(err), errors.Is(err, domain.ErrPaymentTimeout):
		body.Error, body.Code = domain.PaymentBackendUnavailable, "backend_error"
		return http.StatusBadGateway, body
	case errors.Is(err, domain.ErrNotFound):
		body.Code = "not_found"
		return http.StatusNotFound, body
	case errors.Is(err, domain.ErrForbidden):
		body.Code = "forbidden"
		return http.StatusForbidden, body
	case errors.Is(err, domain.ErrTaskLocked):
		body.Code = "task_locked"
		return http.StatusForbidden, body
	case errors.Is(err, domain.ErrInvalidTransition):
		body.Code = "invalid_transition"
		return http.StatusConflict, body
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrBadAmount):
		body.Code = "invalid_input"
		return http.StatusBadRequest, body
	}
	body.Code = "internal"
	return http.StatusInternalServerError, body
}

// writeErr writes the JSON error response for err.
func writeErr(w http.ResponseWriter, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		log.Printf("[api] %d %s: %v", status, body.Code, err)
	}
	if body.RetryAfterMS != nil && *body.RetryAfterMS > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt((*body.RetryAfterMS+999)/1000, 10))
	}
	writeJSON(w, status, body)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decode reads a JSON request body into v.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(domain.ErrInvalidInput, err)
	}
	return nil
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(name))
	return n
}

// corsMiddleware adds CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+HeaderAccountID+", "+HeaderAccountPIN)
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
