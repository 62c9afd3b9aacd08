package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/satsjar/satsjar/internal/app/payout"
	"github.com/satsjar/satsjar/internal/domain"
)

// ─── Payouts API ────────────────────────────────────────────────────────────
//
// POST /api/payouts/{instant,allowance,bonus}  : guardian → dependent
// POST /api/withdrawals                        : dependent → own wallet
// POST /api/donations                          : dependent → named recipient
//
// A payout whose outbound payment failed answers 202: the ledger entry
// stands and the payment waits in the failed-payments queue.

func payoutStatus(res payout.Result) int {
	if res.FailedPayment != nil {
		return http.StatusAccepted
	}
	return http.StatusOK
}

func (s *Server) handleGrant(fn func(context.Context, string, payout.Grant) (payout.Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in payout.Grant
		if err := decode(r, &in); err != nil {
			writeErr(w, err)
			return
		}
		res, err := fn(r.Context(), caller(r).ID, in)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, payoutStatus(res), res)
	}
}

func (s *Server) handleSpend(fn func(context.Context, string, payout.Spend) (payout.Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in payout.Spend
		if err := decode(r, &in); err != nil {
			writeErr(w, err)
			return
		}
		res, err := fn(r.Context(), caller(r).ID, in)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, payoutStatus(res), res)
	}
}

// ─── Failed Payments API ────────────────────────────────────────────────────

// handleListFailed lists the family queue, pending entries by default.
// ?status=all returns every entry.
func (s *Server) handleListFailed(w http.ResponseWriter, r *http.Request) {
	status := domain.FailedPaymentStatus(r.URL.Query().Get("status"))
	var (
		list []domain.FailedPayment
		err  error
	)
	switch status {
	case "", domain.FailedPending:
		list, err = s.svc.Recovery.ListPending(r.Context(), caller(r).ID, "")
	case "all":
		list, err = s.svc.Recovery.List(r.Context(), caller(r).ID, "")
	default:
		list, err = s.svc.Recovery.List(r.Context(), caller(r).ID, status)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []domain.FailedPayment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"failed_payments": list})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Recovery.Retry(r.Context(), caller(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelFailed(w http.ResponseWriter, r *http.Request) {
	fp, err := s.svc.Recovery.Cancel(r.Context(), caller(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fp)
}

// ─── Limits API ─────────────────────────────────────────────────────────────

// handleGetLimits reports the caller's own caps and today's usage.
func (s *Server) handleGetLimits(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Limits.Spend.Status(r.Context(), caller(r).ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleSetLimits overrides the caps of a guardian in the caller's family.
func (s *Server) handleSetLimits(w http.ResponseWriter, r *http.Request) {
	c := caller(r)
	if !c.IsGuardian() {
		writeErr(w, domain.ErrForbidden)
		return
	}
	var in struct {
		DailyCap int64 `json:"daily_cap"`
		PerTxCap int64 `json:"per_tx_cap"`
	}
	if err := decode(r, &in); err != nil {
		writeErr(w, err)
		return
	}
	target, err := s.svc.DB.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if target.FamilyID != c.FamilyID {
		writeErr(w, domain.ErrNotFound)
		return
	}
	if err := s.svc.Limits.Spend.SetCaps(r.Context(), target.ID, in.DailyCap, in.PerTxCap); err != nil {
		writeErr(w, err)
		return
	}
	_ = s.svc.Audit.Record(r.Context(), domain.AuditEvent{
		Actor: c.ID, FamilyID: c.FamilyID, Action: "limits.updated", Target: target.ID,
		Detail: fmt.Sprintf("daily=%d per_tx=%d", in.DailyCap, in.PerTxCap),
	})
	st, err := s.svc.Limits.Spend.Status(r.Context(), target.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ─── Recurring API ──────────────────────────────────────────────────────────

func (s *Server) handleCreateRecurring(w http.ResponseWriter, r *http.Request) {
	var in domain.RecurringObligation
	if err := decode(r, &in); err != nil {
		writeErr(w, err)
		return
	}
	o, err := s.svc.Scheduler.Create(r.Context(), caller(r).ID, in)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// handleListRecurring lists active obligations; ?all=1 includes stopped ones.
func (s *Server) handleListRecurring(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("all") == ""
	list, err := s.svc.Scheduler.List(r.Context(), caller(r).ID, activeOnly)
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []domain.RecurringObligation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"obligations": list})
}

func (s *Server) handleDeactivateRecurring(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Scheduler.Deactivate(r.Context(), caller(r).ID, chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
