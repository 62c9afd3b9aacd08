package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/satsjar/satsjar/internal/domain"
)

// ─── Accounts API ───────────────────────────────────────────────────────────
//
// POST /api/accounts                     : new family (no identity) or new member
// GET  /api/accounts/{id}
// GET  /api/accounts/{id}/transactions   : ?limit=
// GET  /api/accounts/{id}/earnings       : ?limit=
// GET  /api/accounts/{id}/reconcile

type createAccountRequest struct {
	Name string      `json:"name"`
	Role domain.Role `json:"role"`
	PIN  string      `json:"pin,omitempty"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeErr(w, fmt.Errorf("name is required: %w", domain.ErrInvalidInput))
		return
	}

	a := &domain.Account{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Role:      req.Role,
		CreatedAt: s.svc.Clock.Now(),
	}
	if c := caller(r); c != nil {
		if !c.IsGuardian() {
			writeErr(w, domain.ErrForbidden)
			return
		}
		if !req.Role.Valid() {
			writeErr(w, fmt.Errorf("role must be guardian or dependent: %w", domain.ErrInvalidInput))
			return
		}
		a.FamilyID = c.FamilyID
	} else {
		// Without an identity the account founds a new family.
		if req.Role != "" && req.Role != domain.RoleGuardian {
			writeErr(w, fmt.Errorf("a new family starts with a guardian: %w", domain.ErrInvalidInput))
			return
		}
		a.Role = domain.RoleGuardian
		a.FamilyID = uuid.NewString()
	}
	if req.PIN != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.PIN), bcrypt.DefaultCost)
		if err != nil {
			writeErr(w, fmt.Errorf("%v: %w", err, domain.ErrInvalidInput))
			return
		}
		a.PINHash = string(hash)
	}

	if err := s.svc.DB.CreateAccount(r.Context(), a); err != nil {
		writeErr(w, err)
		return
	}
	_ = s.svc.Audit.Record(r.Context(), domain.AuditEvent{
		Actor: actorID(r, a.ID), FamilyID: a.FamilyID, Action: "account.created", Target: a.ID,
		Detail: fmt.Sprintf("%s %q", a.Role, a.Name),
	})
	writeJSON(w, http.StatusCreated, a)
}

func actorID(r *http.Request, fallback string) string {
	if c := caller(r); c != nil {
		return c.ID
	}
	return fallback
}

// visibleAccount loads the {id} account if the caller may see it: guardians
// see their whole family, dependents only themselves.
func (s *Server) visibleAccount(r *http.Request) (*domain.Account, error) {
	c := caller(r)
	id := chi.URLParam(r, "id")
	if id == "me" {
		id = c.ID
	}
	a, err := s.svc.DB.GetAccount(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if a.FamilyID != c.FamilyID {
		return nil, domain.ErrNotFound
	}
	if !c.IsGuardian() && a.ID != c.ID {
		return nil, domain.ErrForbidden
	}
	return a, nil
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.visibleAccount(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account":  a,
		"backends": a.ConfiguredBackends(),
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	a, err := s.visibleAccount(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	txs, err := s.svc.Ledger.History(r.Context(), a.ID, queryInt(r, "limit"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (s *Server) handleEarnings(w http.ResponseWriter, r *http.Request) {
	a, err := s.visibleAccount(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	entries, err := s.svc.Ledger.Earnings(r.Context(), a.ID, queryInt(r, "limit"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []domain.EarningsEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"earnings": entries})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	a, err := s.visibleAccount(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	rec, err := s.svc.Ledger.Reconcile(r.Context(), a.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleAudit lists the family's audit trail. Guardians only.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	c := caller(r)
	if !c.IsGuardian() {
		writeErr(w, domain.ErrForbidden)
		return
	}
	events, err := s.svc.DB.ListAuditEvents(r.Context(), c.FamilyID, queryInt(r, "limit"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if events == nil {
		events = []domain.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
