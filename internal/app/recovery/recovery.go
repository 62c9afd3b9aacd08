// Package recovery keeps outbound payments that did not settle and lets a
// guardian retry or cancel them. Entries are family scoped; only guardians
// of that family may act on them.
package recovery

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/satsjar/satsjar/internal/app/executor"
	"github.com/satsjar/satsjar/internal/app/ledger"
	"github.com/satsjar/satsjar/internal/app/notify"
	"github.com/satsjar/satsjar/internal/domain"
	"github.com/satsjar/satsjar/internal/infra/observability"
	"github.com/satsjar/satsjar/internal/infra/sqlite"
)

// Config controls cancellation policy.
type Config struct {
	// ClawbackOnCancel debits min(balance, sats) from a credited recipient
	// when a guardian cancels the entry.
	ClawbackOnCancel bool
}

// Service is the failed-payment queue.
type Service struct {
	cfg      Config
	db       *sqlite.DB
	ledger   *ledger.Ledger
	exec     *executor.Executor
	notifier domain.Notifier
	audit    *observability.AuditLog
	clock    domain.Clock
}

// New creates the recovery service.
func New(cfg Config, db *sqlite.DB, l *ledger.Ledger, exec *executor.Executor, n domain.Notifier, audit *observability.AuditLog, clock domain.Clock) *Service {
	if clock == nil {
		clock = domain.RealClock{}
	}
	if n == nil {
		n = notify.LogNotifier{}
	}
	return &Service{cfg: cfg, db: db, ledger: l, exec: exec, notifier: n, audit: audit, clock: clock}
}

// Record queues a failed payment.
func (s *Service) Record(ctx context.Context, fp domain.FailedPayment) (*domain.FailedPayment, error) {
	now := s.clock.Now()
	fp.ID = uuid.NewString()
	fp.Status = domain.FailedPending
	fp.CreatedAt = now
	fp.LastAttemptAt = now
	if err := s.db.InsertFailedPayment(ctx, &fp); err != nil {
		return nil, fmt.Errorf("queue failed payment: %w", err)
	}
	observability.FailedPaymentsQueued.WithLabelValues(string(fp.PaymentType)).Inc()
	log.Printf("[recovery] queued %s of %d sats from %s: %s", fp.PaymentType, fp.Sats, fp.FromAccount, fp.Error)

	s.notifier.Notify(ctx, domain.Notification{
		FamilyID: fp.FamilyID,
		Kind:     domain.NotifyPaymentFailed,
		Text:     notify.Textf("A payment of %s could not be sent and is waiting for a retry.", notify.Sats(fp.Sats)),
	})
	_ = s.audit.Record(ctx, domain.AuditEvent{
		Actor: fp.FromAccount, FamilyID: fp.FamilyID, Action: "payment.queued",
		Target: fp.ID, Detail: fp.Error,
	})
	return &fp, nil
}

// guardian loads the caller and checks it guards familyID.
func (s *Service) guardian(ctx context.Context, guardianID, familyID string) (*domain.Account, error) {
	g, err := s.db.GetAccount(ctx, guardianID)
	if err != nil {
		return nil, err
	}
	if !g.IsGuardian() || (familyID != "" && g.FamilyID != familyID) {
		return nil, domain.ErrForbidden
	}
	return g, nil
}

// ListPending returns the family's pending entries. An empty familyID means
// the guardian's own family.
func (s *Service) ListPending(ctx context.Context, guardianID, familyID string) ([]domain.FailedPayment, error) {
	g, err := s.guardian(ctx, guardianID, familyID)
	if err != nil {
		return nil, err
	}
	return s.db.ListFailedPayments(ctx, g.FamilyID, domain.FailedPending)
}

// List returns every entry of the guardian's family with the given status,
// or all entries when status is empty.
func (s *Service) List(ctx context.Context, guardianID string, status domain.FailedPaymentStatus) ([]domain.FailedPayment, error) {
	g, err := s.guardian(ctx, guardianID, "")
	if err != nil {
		return nil, err
	}
	return s.db.ListFailedPayments(ctx, g.FamilyID, status)
}

func (s *Service) load(ctx context.Context, guardianID, id string) (*domain.FailedPayment, *domain.Account, error) {
	fp, err := s.db.GetFailedPayment(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	g, err := s.guardian(ctx, guardianID, fp.FamilyID)
	if err != nil {
		return nil, nil, err
	}
	return fp, g, nil
}

// RetryResult is the outcome of one retry.
type RetryResult struct {
	Payment     *domain.FailedPayment `json:"failed_payment"`
	Resolved    bool                  `json:"resolved"`
	Transaction *domain.Transaction   `json:"transaction,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// Retry re-runs the original outbound payment. The entry is claimed first,
// so two concurrent retries cannot both pay.
func (s *Service) Retry(ctx context.Context, guardianID, id string) (RetryResult, error) {
	fp, g, err := s.load(ctx, guardianID, id)
	if err != nil {
		return RetryResult{}, err
	}
	ok, err := s.db.ClaimFailedPayment(ctx, id, s.clock.Now())
	if err != nil {
		return RetryResult{}, err
	}
	if !ok {
		return RetryResult{}, fmt.Errorf("failed payment %s is no longer pending: %w", id, domain.ErrConflict)
	}
	// The entry is claimed; it must end pending again or resolved whatever
	// happens to the caller.
	ctx = context.WithoutCancel(ctx)

	payer, err := s.payer(ctx, fp)
	if err != nil {
		if rerr := s.db.ReleaseFailedPayment(ctx, id, err.Error(), s.clock.Now()); rerr != nil {
			log.Printf("[recovery] release %s: %v", id, rerr)
		}
		return RetryResult{}, err
	}
	out := s.exec.Pay(ctx, executor.PayRequest{
		FromAccountID: payer,
		ToAccountID:   fp.ToAccount,
		Address:       fp.RecipientAddress,
		Sats:          fp.Sats,
		Memo:          fmt.Sprintf("retry %s", fp.PaymentType),
	})

	if out.Status != domain.TxCompleted {
		msg := "no external payment route is configured"
		if out.Err != nil {
			msg = out.Err.Error()
		}
		log.Printf("[recovery] retry of %s failed: %s", id, msg)
		if err := s.db.ReleaseFailedPayment(ctx, id, msg, s.clock.Now()); err != nil {
			return RetryResult{}, err
		}
		observability.FailedPaymentRetries.WithLabelValues("failed").Inc()
		_ = s.audit.Record(ctx, domain.AuditEvent{
			Actor: g.ID, FamilyID: fp.FamilyID, Action: "payment.retry_failed", Target: id, Detail: msg,
		})
		updated, err := s.db.GetFailedPayment(ctx, id)
		if err != nil {
			return RetryResult{}, err
		}
		return RetryResult{Payment: updated, Error: domain.PaymentPendingRetry}, nil
	}

	if err := s.db.ResolveFailedPayment(ctx, id, s.clock.Now()); err != nil {
		return RetryResult{}, err
	}
	tx, err := s.ledger.RecordTransaction(ctx, fp.Sats, ledger.Entry{
		From:       fp.FromAccount,
		To:         fp.ToAccount,
		TaskID:     fp.TaskID,
		Type:       domain.TxRetryPayment,
		Status:     domain.TxCompleted,
		PaymentRef: out.PaymentRef,
		Memo:       fmt.Sprintf("retry of %s", fp.ID),
	})
	if err != nil {
		log.Printf("[recovery] record retry transaction for %s: %v", id, err)
	}
	if fp.TransactionID != "" {
		if err := s.ledger.Settle(ctx, fp.TransactionID, domain.TxCompleted, out.PaymentRef); err != nil {
			log.Printf("[recovery] settle %s: %v", fp.TransactionID, err)
		}
	}
	if fp.TaskID != "" {
		if _, err := s.db.SetTaskPaymentRef(ctx, fp.TaskID, out.PaymentRef); err != nil {
			log.Printf("[recovery] task %s payment ref: %v", fp.TaskID, err)
		}
	}

	observability.FailedPaymentRetries.WithLabelValues("resolved").Inc()
	_ = s.audit.Record(ctx, domain.AuditEvent{
		Actor: g.ID, FamilyID: fp.FamilyID, Action: "payment.retried", Target: id, Detail: out.PaymentRef,
	})
	if fp.ToAccount != "" {
		s.notifier.Notify(ctx, domain.Notification{
			AccountID: fp.ToAccount,
			Kind:      domain.NotifyPayoutSent,
			Text:      notify.Textf("%s arrived in your wallet.", notify.Sats(fp.Sats)),
		})
	}

	updated, err := s.db.GetFailedPayment(ctx, id)
	if err != nil {
		return RetryResult{}, err
	}
	res := RetryResult{Payment: updated, Resolved: true}
	if tx.ID != "" {
		res.Transaction = &tx
	}
	return res, nil
}

// payer returns the account whose backend sends the payment. Withdrawals
// and donations spend a dependent's balance through the guardian's wallet.
func (s *Service) payer(ctx context.Context, fp *domain.FailedPayment) (string, error) {
	if !debitedFirst(fp.PaymentType) {
		return fp.FromAccount, nil
	}
	g, err := s.db.FamilyGuardian(ctx, fp.FamilyID)
	if err != nil {
		return "", err
	}
	return g.ID, nil
}

// debitedFirst lists payment types that took sats off the sender's internal
// balance before the outbound attempt.
func debitedFirst(t domain.TransactionType) bool {
	return t == domain.TxWithdrawal || t == domain.TxDonation
}

// Cancel stops retrying an entry. Sats debited before the attempt are
// returned to the sender; with ClawbackOnCancel a credited recipient gives
// back what it still holds.
func (s *Service) Cancel(ctx context.Context, guardianID, id string) (*domain.FailedPayment, error) {
	fp, g, err := s.load(ctx, guardianID, id)
	if err != nil {
		return nil, err
	}
	ok, err := s.db.CancelFailedPayment(ctx, id, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("failed payment %s is no longer pending: %w", id, domain.ErrConflict)
	}

	switch {
	case debitedFirst(fp.PaymentType):
		if _, err := s.ledger.Credit(ctx, fp.FromAccount, fp.Sats, ledger.Entry{
			From: g.ID, Type: domain.TxRefund, Status: domain.TxInternal,
			Memo: fmt.Sprintf("cancelled %s", fp.PaymentType),
		}); err != nil {
			log.Printf("[recovery] refund for %s: %v", id, err)
		}
	case s.cfg.ClawbackOnCancel && fp.ToAccount != "":
		s.clawback(ctx, g, fp)
	}

	observability.FailedPaymentRetries.WithLabelValues("cancelled").Inc()
	_ = s.audit.Record(ctx, domain.AuditEvent{
		Actor: g.ID, FamilyID: fp.FamilyID, Action: "payment.cancelled", Target: id,
	})
	return s.db.GetFailedPayment(ctx, id)
}

func (s *Service) clawback(ctx context.Context, g *domain.Account, fp *domain.FailedPayment) {
	bal, err := s.db.Balance(ctx, fp.ToAccount)
	if err != nil {
		log.Printf("[recovery] clawback balance for %s: %v", fp.ToAccount, err)
		return
	}
	amount := min(bal, fp.Sats)
	if amount <= 0 {
		return
	}
	_, err = s.ledger.Debit(ctx, fp.ToAccount, amount, ledger.Entry{
		To: g.ID, TaskID: fp.TaskID, Type: domain.TxClawback, Status: domain.TxInternal,
		Memo: fmt.Sprintf("clawback of %s", fp.ID),
	})
	if err != nil {
		log.Printf("[recovery] clawback from %s: %v", fp.ToAccount, err)
	}
}
