// Package escrow runs the task lifecycle: open → assigned → submitted →
// approved.
//
// Approval is the money path. The status write is a compare-and-set that
// commits before any side effect, so concurrent duplicate approvals observe
// it and stop. Only the winner credits the dependent, evaluates milestones
// and attempts the outbound payment. A failed payment never undoes an
// approval; it is queued for retry instead.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/satsjar/satsjar/internal/app/executor"
	"github.com/satsjar/satsjar/internal/app/ledger"
	"github.com/satsjar/satsjar/internal/app/limiter"
	"github.com/satsjar/satsjar/internal/app/notify"
	"github.com/satsjar/satsjar/internal/app/recovery"
	"github.com/satsjar/satsjar/internal/domain"
	"github.com/satsjar/satsjar/internal/infra/observability"
	"github.com/satsjar/satsjar/internal/infra/sqlite"
)

// Config controls escrow policy.
type Config struct {
	// PreDeduct debits the guardian's internal balance when a paid task is
	// created. Only applies to guardians without a payment backend.
	PreDeduct bool
	// UnlockFamilyTasks is how many zero-sat tasks a dependent must have
	// approved before accepting a paid one. Zero disables the gate.
	UnlockFamilyTasks int
	// Milestones is the bonus ladder for approved paid tasks.
	Milestones []domain.Milestone
}

// DefaultConfig returns the default escrow policy.
func DefaultConfig() Config {
	return Config{Milestones: domain.DefaultMilestones()}
}

// ConflictError reports a duplicate or lost approval. Task is the current
// stored state.
type ConflictError struct {
	Task *domain.Task
}

// Error implements error.
func (e *ConflictError) Error() string {
	if e.Task == nil {
		return domain.ErrConflict.Error()
	}
	return fmt.Sprintf("task %s already %s", e.Task.ID, e.Task.Status)
}

// Unwrap ties the conflict to domain.ErrConflict.
func (e *ConflictError) Unwrap() error { return domain.ErrConflict }

// Service is the escrow state machine.
type Service struct {
	cfg      Config
	db       *sqlite.DB
	ledger   *ledger.Ledger
	limits   *limiter.Limiter
	exec     *executor.Executor
	recovery *recovery.Service
	notifier domain.Notifier
	audit    *observability.AuditLog
	clock    domain.Clock
}

// Deps are the collaborators of the escrow service.
type Deps struct {
	DB       *sqlite.DB
	Ledger   *ledger.Ledger
	Limits   *limiter.Limiter
	Executor *executor.Executor
	Recovery *recovery.Service
	Notifier domain.Notifier
	Audit    *observability.AuditLog
	Clock    domain.Clock
}

// New creates the escrow service.
func New(cfg Config, d Deps) *Service {
	if d.Clock == nil {
		d.Clock = domain.RealClock{}
	}
	if d.Notifier == nil {
		d.Notifier = notify.LogNotifier{}
	}
	return &Service{
		cfg:      cfg,
		db:       d.DB,
		ledger:   d.Ledger,
		limits:   d.Limits,
		exec:     d.Executor,
		recovery: d.Recovery,
		notifier: d.Notifier,
		audit:    d.Audit,
		clock:    d.Clock,
	}
}

// ─── Access ─────────────────────────────────────────────────────────────────

func (s *Service) account(ctx context.Context, id string, role domain.Role) (*domain.Account, error) {
	a, err := s.db.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrForbidden
		}
		return nil, err
	}
	if a.Role != role {
		return nil, domain.ErrForbidden
	}
	return a, nil
}

func (s *Service) familyTask(ctx context.Context, acct *domain.Account, taskID string) (*domain.Task, error) {
	t, err := s.db.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.FamilyID != acct.FamilyID {
		return nil, domain.ErrNotFound
	}
	return t, nil
}

// Get returns a task visible to the caller.
func (s *Service) Get(ctx context.Context, callerID, taskID string) (*domain.Task, error) {
	a, err := s.db.GetAccount(ctx, callerID)
	if err != nil {
		return nil, domain.ErrForbidden
	}
	return s.familyTask(ctx, a, taskID)
}

// ListFilter narrows List.
type ListFilter struct {
	Status          domain.TaskStatus
	AssigneeID      string
	IncludeArchived bool
	Limit           int
}

// List returns the caller's family tasks.
func (s *Service) List(ctx context.Context, callerID string, f ListFilter) ([]domain.Task, error) {
	a, err := s.db.GetAccount(ctx, callerID)
	if err != nil {
		return nil, domain.ErrForbidden
	}
	return s.db.ListTasks(ctx, sqlite.TaskFilter{
		FamilyID:        a.FamilyID,
		AssigneeID:      f.AssigneeID,
		Status:          f.Status,
		IncludeArchived: f.IncludeArchived,
		Limit:           f.Limit,
	})
}

// ─── Create ─────────────────────────────────────────────────────────────────

// NewTask is the input of CreateTask.
type NewTask struct {
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	Sats         int64  `json:"sats"`
	AssigneeID   string `json:"assignee_id,omitempty"`
	BypassUnlock bool   `json:"bypass_unlock,omitempty"`
	ObligationID string `json:"-"`
}

// CreateTask posts a task. Paid tasks pass the limiter and a funds check
// first; nothing is stored when either fails.
func (s *Service) CreateTask(ctx context.Context, guardianID string, in NewTask) (*domain.Task, error) {
	g, err := s.account(ctx, guardianID, domain.RoleGuardian)
	if err != nil {
		return nil, err
	}
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return nil, fmt.Errorf("title is required: %w", domain.ErrInvalidInput)
	}
	if in.Sats < 0 {
		return nil, domain.ErrBadAmount
	}
	if in.AssigneeID != "" {
		d, err := s.account(ctx, in.AssigneeID, domain.RoleDependent)
		if err != nil || d.FamilyID != g.FamilyID {
			return nil, fmt.Errorf("assignee %s is not a dependent of this family: %w", in.AssigneeID, domain.ErrInvalidInput)
		}
		if err := s.checkUnlocked(ctx, d.ID, in.Sats, in.BypassUnlock); err != nil {
			return nil, err
		}
	}

	var preDeduct bool
	if in.Sats > 0 {
		if err := s.limits.Check(ctx, g.ID, in.Sats); err != nil {
			return nil, err
		}
		preDeduct, err = s.checkFunds(ctx, g, in.Sats)
		if err != nil {
			s.limits.Undo(ctx, g.ID, in.Sats)
			return nil, err
		}
	}

	now := s.clock.Now()
	t := &domain.Task{
		ID:           uuid.NewString(),
		FamilyID:     g.FamilyID,
		CreatorID:    g.ID,
		Title:        in.Title,
		Description:  in.Description,
		Sats:         in.Sats,
		Status:       domain.TaskOpen,
		EscrowLocked: in.Sats > 0,
		BypassUnlock: in.BypassUnlock,
		ObligationID: in.ObligationID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.AssigneeID != "" {
		t.Status = domain.TaskAssigned
		t.AssigneeID = in.AssigneeID
	}
	if err := s.db.InsertTask(ctx, t); err != nil {
		if t.Paid() {
			s.limits.Undo(ctx, g.ID, in.Sats)
		}
		return nil, err
	}

	if t.Paid() {
		if err := s.lock(ctx, g, t, preDeduct); err != nil {
			if _, derr := s.db.DeleteTask(ctx, t.ID); derr != nil {
				log.Printf("[escrow] remove task %s after failed lock: %v", t.ID, derr)
			}
			s.limits.Undo(ctx, g.ID, in.Sats)
			return nil, err
		}
		s.notifier.Notify(ctx, domain.Notification{
			FamilyID: g.FamilyID,
			Kind:     domain.NotifyEscrowLocked,
			Text:     notify.Textf("New task %q is worth %s.", t.Title, notify.Sats(t.Sats)),
		})
	}

	observability.EscrowTransitions.WithLabelValues(string(t.Status)).Inc()
	_ = s.audit.Record(ctx, domain.AuditEvent{
		Actor: g.ID, FamilyID: g.FamilyID, Action: "task.created", Target: t.ID,
		Detail: fmt.Sprintf("%d sats", t.Sats),
	})
	log.Printf("[escrow] task %s created by %s (%d sats)", t.ID, g.ID, t.Sats)
	return t, nil
}

// checkFunds verifies the guardian can cover sats. With a backend the
// wallet balance counts; without one the internal balance does, and the
// task may be pre-deducted.
func (s *Service) checkFunds(ctx context.Context, g *domain.Account, sats int64) (preDeduct bool, err error) {
	backend, err := s.exec.Backend(g)
	switch {
	case errors.Is(err, domain.ErrNoBackend):
		if g.Balance < sats {
			return false, fmt.Errorf("balance %d sats, task needs %d: %w", g.Balance, sats, domain.ErrInsufficientFunds)
		}
		return s.cfg.PreDeduct, nil
	case err != nil:
		return false, err
	}
	bal, err := s.exec.Balance(ctx, backend)
	if err != nil {
		return false, err
	}
	if bal < sats {
		return false, fmt.Errorf("wallet holds %d sats, task needs %d: %w", bal, sats, domain.ErrInsufficientFunds)
	}
	return false, nil
}

// lock writes the escrow_lock row, debiting the guardian when pre-deducting.
func (s *Service) lock(ctx context.Context, g *domain.Account, t *domain.Task, preDeduct bool) error {
	e := ledger.Entry{
		From:   g.ID,
		TaskID: t.ID,
		Type:   domain.TxEscrowLock,
		Status: domain.TxInternal,
		Memo:   t.Title,
	}
	if preDeduct {
		_, err := s.ledger.Debit(ctx, g.ID, t.Sats, e)
		return err
	}
	_, err := s.ledger.RecordTransaction(ctx, t.Sats, e)
	return err
}

// preDeducted reports whether the task's lock took sats off the guardian.
func (s *Service) preDeducted(ctx context.Context, taskID string) (bool, error) {
	txs, err := s.db.TaskTransactions(ctx, taskID)
	if err != nil {
		return false, err
	}
	locked := false
	for _, tx := range txs {
		if !tx.Applied {
			continue
		}
		switch tx.Type {
		case domain.TxEscrowLock:
			locked = true
		case domain.TxEscrowRelease:
			locked = false
		}
	}
	return locked, nil
}

// ─── Edit / Delete / Archive ────────────────────────────────────────────────

// TaskUpdate carries the editable fields; nil means unchanged.
type TaskUpdate struct {
	Title        *string `json:"title,omitempty"`
	Description  *string `json:"description,omitempty"`
	Sats         *int64  `json:"sats,omitempty"`
	BypassUnlock *bool   `json:"bypass_unlock,omitempty"`
}

// UpdateTask edits an open or assigned task. Raising the reward passes the
// limiter for the difference; pre-deducted tasks keep their amount.
func (s *Service) UpdateTask(ctx context.Context, guardianID, taskID string, u TaskUpdate) (*domain.Task, error) {
	g, err := s.account(ctx, guardianID, domain.RoleGuardian)
	if err != nil {
		return nil, err
	}
	t, err := s.familyTask(ctx, g, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.TaskOpen && t.Status != domain.TaskAssigned {
		return nil, domain.ErrInvalidTransition
	}

	if u.Title != nil {
		title := strings.TrimSpace(*u.Title)
		if title == "" {
			return nil, fmt.Errorf("title is required: %w", domain.ErrInvalidInput)
		}
		t.Title = title
	}
	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.BypassUnlock != nil {
		t.BypassUnlock = *u.BypassUnlock
	}

	var raised int64
	if u.Sats != nil && *u.Sats != t.Sats {
		if *u.Sats < 0 {
			return nil, domain.ErrBadAmount
		}
		locked, err := s.preDeducted(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if locked {
			return nil, fmt.Errorf("reward of a pre-funded task cannot change: %w", domain.ErrInvalidTransition)
		}
		if delta := *u.Sats - t.Sats; delta > 0 {
			if err := s.limits.Check(ctx, g.ID, delta); err != nil {
				return nil, err
			}
			if _, err := s.checkFunds(ctx, g, *u.Sats); err != nil {
				s.limits.Undo(ctx, g.ID, delta)
				return nil, err
			}
			raised = delta
		}
		t.Sats = *u.Sats
	}

	t.UpdatedAt = s.clock.Now()
	ok, err := s.db.UpdateTaskDetails(ctx, t)
	if err == nil && !ok {
		err = domain.ErrInvalidTransition
	}
	if err != nil {
		if raised > 0 {
			s.limits.Undo(ctx, g.ID, raised)
		}
		return nil, err
	}
	_ = s.audit.Record(ctx, domain.AuditEvent{Actor: g.ID, FamilyID: g.FamilyID, Action: "task.updated", Target: t.ID})
	return s.db.GetTask(ctx, t.ID)
}

// DeleteTask removes an open or assigned task and releases its escrow.
func (s *Service) DeleteTask(ctx context.Context, guardianID, taskID string) error {
	g, err := s.account(ctx, guardianID, domain.RoleGuardian)
	if err != nil {
		return err
	}
	t, err := s.familyTask(ctx, g, taskID)
	if err != nil {
		return err
	}
	locked, err := s.preDeducted(ctx, t.ID)
	if err != nil {
		return err
	}
	ok, err := s.db.DeleteTask(ctx, t.ID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrInvalidTransition
	}

	if locked {
		_, err := s.ledger.Credit(ctx, t.CreatorID, t.Sats, ledger.Entry{
			From: t.CreatorID, TaskID: t.ID, Type: domain.TxEscrowRelease,
			Status: domain.TxInternal, Memo: "task deleted",
		})
		if err != nil {
			log.Printf("[escrow] release escrow of deleted task %s: %v", t.ID, err)
			return err
		}
	}
	if t.Paid() {
		if err := s.limits.Spend.RefundAuthorizedAt(ctx, t.CreatorID, t.Sats, t.CreatedAt); err != nil {
			log.Printf("[escrow] refund limit for %s: %v", t.CreatorID, err)
		}
	}
	_ = s.audit.Record(ctx, domain.AuditEvent{Actor: g.ID, FamilyID: g.FamilyID, Action: "task.deleted", Target: t.ID})
	return nil
}

// ArchiveTask hides an approved task from default listings.
func (s *Service) ArchiveTask(ctx context.Context, guardianID, taskID string) error {
	g, err := s.account(ctx, guardianID, domain.RoleGuardian)
	if err != nil {
		return err
	}
	t, err := s.familyTask(ctx, g, taskID)
	if err != nil {
		return err
	}
	ok, err := s.db.ArchiveTask(ctx, t.ID, s.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrInvalidTransition
	}
	_ = s.audit.Record(ctx, domain.AuditEvent{Actor: g.ID, FamilyID: g.FamilyID, Action: "task.archived", Target: t.ID})
	return nil
}

// ─── Accept / Submit ────────────────────────────────────────────────────────

// Accept assigns an open task to the calling dependent.
func (s *Service) Accept(ctx context.Context, dependentID, taskID string) (*domain.Task, error) {
	d, err := s.account(ctx, dependentID, domain.RoleDependent)
	if err != nil {
		return nil, err
	}
	t, err := s.familyTask(ctx, d, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.TaskOpen {
		return nil, &ConflictError{Task: t}
	}
	if err := s.checkUnlocked(ctx, d.ID, t.Sats, t.BypassUnlock); err != nil {
		return nil, err
	}

	ok, err := s.db.AssignTask(ctx, t.ID, d.ID, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.conflict(ctx, t.ID)
	}
	observability.EscrowTransitions.WithLabelValues(string(domain.TaskAssigned)).Inc()
	s.notifier.Notify(ctx, domain.Notification{
		AccountID: t.CreatorID,
		Kind:      domain.NotifyTaskAccepted,
		Text:      notify.Textf("%s took %q.", d.Name, t.Title),
	})
	_ = s.audit.Record(ctx, domain.AuditEvent{Actor: d.ID, FamilyID: d.FamilyID, Action: "task.accepted", Target: t.ID})
	return s.db.GetTask(ctx, t.ID)
}

// checkUnlocked applies the unlock policy: a dependent takes paid tasks
// only after UnlockFamilyTasks approved zero-sat ones, unless bypassed.
func (s *Service) checkUnlocked(ctx context.Context, dependentID string, sats int64, bypass bool) error {
	if sats <= 0 || bypass || s.cfg.UnlockFamilyTasks <= 0 {
		return nil
	}
	n, err := s.db.CountApprovedTasks(ctx, dependentID, false)
	if err != nil {
		return err
	}
	if n < s.cfg.UnlockFamilyTasks {
		return fmt.Errorf("%d of %d family tasks done: %w", n, s.cfg.UnlockFamilyTasks, domain.ErrTaskLocked)
	}
	return nil
}

// Submit hands in proof of completion. Only the assignee may submit.
func (s *Service) Submit(ctx context.Context, dependentID, taskID, proofRef string) (*domain.Task, error) {
	d, err := s.account(ctx, dependentID, domain.RoleDependent)
	if err != nil {
		return nil, err
	}
	t, err := s.familyTask(ctx, d, taskID)
	if err != nil {
		return nil, err
	}
	if t.AssigneeID != d.ID {
		return nil, domain.ErrForbidden
	}
	if t.Status != domain.TaskAssigned {
		return nil, domain.ErrInvalidTransition
	}
	ok, err := s.db.SubmitTask(ctx, t.ID, d.ID, proofRef, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.conflict(ctx, t.ID)
	}
	observability.EscrowTransitions.WithLabelValues(string(domain.TaskSubmitted)).Inc()
	s.notifier.Notify(ctx, domain.Notification{
		AccountID: t.CreatorID,
		Kind:      domain.NotifyTaskSubmitted,
		Text:      notify.Textf("%s finished %q and is waiting for approval.", d.Name, t.Title),
	})
	_ = s.audit.Record(ctx, domain.AuditEvent{Actor: d.ID, FamilyID: d.FamilyID, Action: "task.submitted", Target: t.ID})
	return s.db.GetTask(ctx, t.ID)
}

// conflict reloads a task after a lost compare-and-set.
func (s *Service) conflict(ctx context.Context, taskID string) error {
	observability.EscrowConflicts.Inc()
	cur, err := s.db.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return &ConflictError{Task: cur}
}
