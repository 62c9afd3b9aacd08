package escrow

import (
	"context"
	"fmt"
	"log"

	"github.com/satsjar/satsjar/internal/app/executor"
	"github.com/satsjar/satsjar/internal/app/ledger"
	"github.com/satsjar/satsjar/internal/app/notify"
	"github.com/satsjar/satsjar/internal/domain"
	"github.com/satsjar/satsjar/internal/infra/observability"
)

// ApprovalResult describes everything an approval did.
type ApprovalResult struct {
	Task          *domain.Task             `json:"task"`
	Transaction   *domain.Transaction      `json:"transaction,omitempty"`
	PaymentStatus domain.TransactionStatus `json:"payment_status,omitempty"`
	PaymentRef    string                   `json:"payment_ref,omitempty"`
	PaymentError  string                   `json:"payment_error,omitempty"`
	FailedPayment *domain.FailedPayment    `json:"failed_payment,omitempty"`
	Bonuses       []domain.Transaction     `json:"bonuses,omitempty"`
}

// Approve completes a task and pays the assignee.
//
// Steps, in order:
//  1. an approved task is a conflict
//  2. a task carrying a payment reference is a conflict
//  3. the approved status is written by compare-and-set before anything else
//  4. the dependent is credited, milestones are checked and the payout is
//     attempted; its outcome settles the transaction
//
// Once step 3 commits, the remaining work runs detached from ctx: a caller
// that goes away cannot leave the credit unsettled or a failure unqueued.
// The payment leg is still bounded by the executor's payment timeout.
func (s *Service) Approve(ctx context.Context, guardianID, taskID string) (ApprovalResult, error) {
	g, err := s.account(ctx, guardianID, domain.RoleGuardian)
	if err != nil {
		return ApprovalResult{}, err
	}
	t, err := s.familyTask(ctx, g, taskID)
	if err != nil {
		return ApprovalResult{}, err
	}

	if t.Status == domain.TaskApproved || t.PaymentRef != "" {
		observability.EscrowConflicts.Inc()
		return ApprovalResult{}, &ConflictError{Task: t}
	}
	if t.Status != domain.TaskAssigned && t.Status != domain.TaskSubmitted {
		return ApprovalResult{}, domain.ErrInvalidTransition
	}

	now := s.clock.Now()
	ok, err := s.db.ApproveTask(ctx, t.ID, now)
	if err != nil {
		return ApprovalResult{}, err
	}
	if !ok {
		cur, err := s.db.GetTask(ctx, t.ID)
		if err != nil {
			return ApprovalResult{}, err
		}
		if cur.Status != domain.TaskApproved && cur.PaymentRef == "" {
			return ApprovalResult{}, domain.ErrInvalidTransition
		}
		observability.EscrowConflicts.Inc()
		return ApprovalResult{}, &ConflictError{Task: cur}
	}
	ctx = context.WithoutCancel(ctx)
	observability.EscrowTransitions.WithLabelValues(string(domain.TaskApproved)).Inc()
	_ = s.audit.Record(ctx, domain.AuditEvent{
		Actor: g.ID, FamilyID: g.FamilyID, Action: "task.approved", Target: t.ID,
		Detail: fmt.Sprintf("%d sats to %s", t.Sats, t.AssigneeID),
	})
	log.Printf("[escrow] task %s approved by %s", t.ID, g.ID)

	res := ApprovalResult{}
	if t.Paid() {
		if err := s.settle(ctx, g, t, &res); err != nil {
			return ApprovalResult{}, err
		}
	}

	s.notifier.Notify(ctx, domain.Notification{
		AccountID: t.AssigneeID,
		Kind:      domain.NotifyTaskApproved,
		Text:      approvalText(t),
	})

	res.Task, err = s.db.GetTask(ctx, t.ID)
	if err != nil {
		return ApprovalResult{}, err
	}
	return res, nil
}

func approvalText(t *domain.Task) string {
	if !t.Paid() {
		return notify.Textf("%q was approved. Thanks for helping out!", t.Title)
	}
	return notify.Textf("%q was approved. You earned %s!", t.Title, notify.Sats(t.Sats))
}

// settle credits the assignee and runs the outbound payment. The approval
// is already durable; nothing here can undo it.
func (s *Service) settle(ctx context.Context, g *domain.Account, t *domain.Task, res *ApprovalResult) error {
	txType := domain.TxTaskPayment
	locked, err := s.preDeducted(ctx, t.ID)
	if err != nil {
		log.Printf("[escrow] task %s lock lookup: %v", t.ID, err)
	}
	if locked {
		txType = domain.TxEscrowRelease
	}

	tx, err := s.ledger.Credit(ctx, t.AssigneeID, t.Sats, ledger.Entry{
		From:   g.ID,
		TaskID: t.ID,
		Type:   txType,
		Status: domain.TxPending,
		Memo:   t.Title,
	})
	if err != nil {
		return fmt.Errorf("credit approved task %s: %w", t.ID, err)
	}
	res.Transaction = &tx
	res.Bonuses = s.milestones(ctx, g, t.AssigneeID)

	out := s.exec.Pay(ctx, executor.PayRequest{
		FromAccountID: g.ID,
		ToAccountID:   t.AssigneeID,
		Sats:          t.Sats,
		Memo:          t.Title,
	})
	res.PaymentStatus = out.Status
	tx.Status = out.Status

	switch out.Status {
	case domain.TxCompleted:
		tx.PaymentRef = out.PaymentRef
		res.PaymentRef = out.PaymentRef
		if err := s.ledger.Settle(ctx, tx.ID, domain.TxCompleted, out.PaymentRef); err != nil {
			log.Printf("[escrow] settle %s: %v", tx.ID, err)
		}
		if _, err := s.db.SetTaskPaymentRef(ctx, t.ID, out.PaymentRef); err != nil {
			log.Printf("[escrow] task %s payment ref: %v", t.ID, err)
		}
		s.notifier.Notify(ctx, domain.Notification{
			AccountID: t.AssigneeID,
			Kind:      domain.NotifyPayoutSent,
			Text:      notify.Textf("%s arrived in your wallet.", notify.Sats(t.Sats)),
		})

	case domain.TxInternal:
		if err := s.ledger.Settle(ctx, tx.ID, domain.TxInternal, ""); err != nil {
			log.Printf("[escrow] settle %s: %v", tx.ID, err)
		}

	default:
		res.PaymentError = domain.PaymentPendingRetry
		log.Printf("[escrow] payout for task %s failed: %v", t.ID, out.Err)
		if err := s.ledger.Settle(ctx, tx.ID, domain.TxFailed, ""); err != nil {
			log.Printf("[escrow] settle %s: %v", tx.ID, err)
		}
		fp, err := s.recovery.Record(ctx, domain.FailedPayment{
			FamilyID:         g.FamilyID,
			FromAccount:      g.ID,
			ToAccount:        t.AssigneeID,
			RecipientAddress: out.Address,
			Sats:             t.Sats,
			PaymentType:      txType,
			TaskID:           t.ID,
			TransactionID:    tx.ID,
			Error:            out.Err.Error(),
		})
		if err != nil {
			log.Printf("[escrow] queue failed payout for task %s: %v", t.ID, err)
		}
		res.FailedPayment = fp
	}
	return nil
}

// milestones pays every threshold the dependent has reached and not yet
// been paid for. The memo identifies the threshold and the ledger writes
// each one at most once, so concurrent approvals neither skip nor repeat a
// bonus.
func (s *Service) milestones(ctx context.Context, g *domain.Account, dependentID string) []domain.Transaction {
	if len(s.cfg.Milestones) == 0 {
		return nil
	}
	n, err := s.db.CountApprovedTasks(ctx, dependentID, true)
	if err != nil {
		log.Printf("[escrow] milestone count for %s: %v", dependentID, err)
		return nil
	}
	var paid []domain.Transaction
	for _, m := range domain.MilestonesReached(s.cfg.Milestones, n) {
		tx, ok, err := s.ledger.CreditOnce(ctx, dependentID, m.BonusSats, ledger.Entry{
			From:   g.ID,
			Type:   domain.TxBonus,
			Status: domain.TxInternal,
			Memo:   fmt.Sprintf("milestone:%d", m.Tasks),
		})
		if err != nil {
			log.Printf("[escrow] milestone bonus for %s: %v", dependentID, err)
			continue
		}
		if !ok {
			continue
		}
		log.Printf("[escrow] %s reached %d approved tasks, bonus %d sats", dependentID, m.Tasks, m.BonusSats)
		paid = append(paid, tx)
	}
	return paid
}
