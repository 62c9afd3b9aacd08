package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/satsjar/satsjar/internal/app/escrow"
	"github.com/satsjar/satsjar/internal/domain"
)

// ─── Tasks API ──────────────────────────────────────────────────────────────
//
// POST   /api/tasks              : guardian posts a task (escrow lock)
// GET    /api/tasks              : family tasks (?status=&assignee=&archived=1&limit=)
// GET    /api/tasks/{id}
// PATCH  /api/tasks/{id}         : edit an open or assigned task
// DELETE /api/tasks/{id}
// POST   /api/tasks/{id}/accept  : dependent takes an open task
// POST   /api/tasks/{id}/submit  : dependent hands in proof
// POST   /api/tasks/{id}/approve : guardian approves and pays
// POST   /api/tasks/{id}/archive

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var in escrow.NewTask
	if err := decode(r, &in); err != nil {
		writeErr(w, err)
		return
	}
	t, err := s.svc.Escrow.CreateTask(r.Context(), caller(r).ID, in)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tasks, err := s.svc.Escrow.List(r.Context(), caller(r).ID, escrow.ListFilter{
		Status:          domain.TaskStatus(q.Get("status")),
		AssigneeID:      q.Get("assignee"),
		IncludeArchived: q.Get("archived") == "1" || q.Get("archived") == "true",
		Limit:           queryInt(r, "limit"),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Escrow.Get(r.Context(), caller(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var u escrow.TaskUpdate
	if err := decode(r, &u); err != nil {
		writeErr(w, err)
		return
	}
	t, err := s.svc.Escrow.UpdateTask(r.Context(), caller(r).ID, chi.URLParam(r, "id"), u)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Escrow.DeleteTask(r.Context(), caller(r).ID, chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAcceptTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Escrow.Accept(r.Context(), caller(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ProofRef string `json:"proof_ref"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &in); err != nil {
			writeErr(w, err)
			return
		}
	}
	t, err := s.svc.Escrow.Submit(r.Context(), caller(r).ID, chi.URLParam(r, "id"), in.ProofRef)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleApproveTask answers 200 when the payout settled or stayed internal,
// and 202 when the dependent was credited but the outbound payment is
// queued for retry.
func (s *Server) handleApproveTask(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Escrow.Approve(r.Context(), caller(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	status := http.StatusOK
	if res.FailedPayment != nil {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (s *Server) handleArchiveTask(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Escrow.ArchiveTask(r.Context(), caller(r).ID, chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
