package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/satsjar/satsjar/internal/app/walletsvc"
	"github.com/satsjar/satsjar/internal/domain"
)

// ─── Wallet API ─────────────────────────────────────────────────────────────
//
// PUT    /api/wallet/active          {"kind": "relay"}, "none" clears
// PUT    /api/wallet/payout-address  {"address": "kid@wallet.example"}
// PUT    /api/wallet/{kind}          : store credentials after a live check
// POST   /api/wallet/{kind}/test
// DELETE /api/wallet/{kind}

func urlKind(r *http.Request) (domain.BackendKind, error) {
	return domain.ParseBackendKind(chi.URLParam(r, "kind"))
}

func (s *Server) handleSetupWallet(w http.ResponseWriter, r *http.Request) {
	kind, err := urlKind(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	var in walletsvc.Input
	if err := decode(r, &in); err != nil {
		writeErr(w, err)
		return
	}
	st, err := s.svc.Wallets.Setup(r.Context(), caller(r).ID, kind, in)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTestWallet(w http.ResponseWriter, r *http.Request) {
	kind, err := urlKind(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	st, err := s.svc.Wallets.Test(r.Context(), caller(r).ID, kind)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDeleteWallet(w http.ResponseWriter, r *http.Request) {
	kind, err := urlKind(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.svc.Wallets.Delete(r.Context(), caller(r).ID, kind); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetActiveWallet(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Kind string `json:"kind"`
	}
	if err := decode(r, &in); err != nil {
		writeErr(w, err)
		return
	}
	kind := domain.BackendNone
	if in.Kind != "" && in.Kind != "none" {
		k, err := domain.ParseBackendKind(in.Kind)
		if err != nil {
			writeErr(w, err)
			return
		}
		kind = k
	}
	if err := s.svc.Wallets.SetActive(r.Context(), caller(r).ID, kind); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": kind})
}

func (s *Server) handleSetPayoutAddress(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Address string `json:"address"`
	}
	if err := decode(r, &in); err != nil {
		writeErr(w, err)
		return
	}
	c := caller(r)
	if err := s.svc.Wallets.SetPayoutAddress(r.Context(), c.ID, in.Address); err != nil {
		writeErr(w, err)
		return
	}
	a, err := s.svc.DB.GetAccount(r.Context(), c.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"payout_address": a.PayoutAddress})
}
