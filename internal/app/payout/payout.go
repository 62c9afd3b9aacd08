// Package payout moves sats outside the task flow: instant payouts,
// allowances and bonuses from a guardian, and withdrawals and donations
// from a dependent's balance.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/satsjar/satsjar/internal/app/executor"
	"github.com/satsjar/satsjar/internal/app/ledger"
	"github.com/satsjar/satsjar/internal/app/limiter"
	"github.com/satsjar/satsjar/internal/app/notify"
	"github.com/satsjar/satsjar/internal/app/recovery"
	"github.com/satsjar/satsjar/internal/domain"
	"github.com/satsjar/satsjar/internal/infra/observability"
	"github.com/satsjar/satsjar/internal/infra/sqlite"
)

// Deps are the collaborators of the payout service.
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

// Service runs discretionary payouts.
type Service struct {
	db       *sqlite.DB
	ledger   *ledger.Ledger
	limits   *limiter.Limiter
	exec     *executor.Executor
	recovery *recovery.Service
	notifier domain.Notifier
	audit    *observability.AuditLog
}

// New creates the payout service.
func New(d Deps) *Service {
	n := d.Notifier
	if n == nil {
		n = notify.LogNotifier{}
	}
	return &Service{
		db:       d.DB,
		ledger:   d.Ledger,
		limits:   d.Limits,
		exec:     d.Executor,
		recovery: d.Recovery,
		notifier: n,
		audit:    d.Audit,
	}
}

// Grant is a guardian-to-dependent payout request.
type Grant struct {
	DependentID string `json:"dependent_id"`
	Sats        int64  `json:"sats"`
	Memo        string `json:"memo,omitempty"`
}

// Spend is a dependent's request to send sats out of the service.
type Spend struct {
	Sats          int64  `json:"sats"`
	Address       string `json:"address,omitempty"`
	RecipientName string `json:"recipient_name,omitempty"`
	Memo          string `json:"memo,omitempty"`
}

// Result reports what a payout did. A failed outbound attempt is not an
// error: the ledger entry stands and FailedPayment holds the queued retry.
type Result struct {
	Transaction   *domain.Transaction      `json:"transaction"`
	PaymentStatus domain.TransactionStatus `json:"payment_status"`
	PaymentRef    string                   `json:"payment_ref,omitempty"`
	PaymentError  string                   `json:"payment_error,omitempty"`
	FailedPayment *domain.FailedPayment    `json:"failed_payment,omitempty"`
}

// ─── Guardian Payouts ───────────────────────────────────────────────────────

// Instant pays a dependent right away.
func (s *Service) Instant(ctx context.Context, guardianID string, g Grant) (Result, error) {
	return s.grant(ctx, guardianID, g, domain.TxInstantPayout)
}

// Allowance pays a dependent's periodic allowance.
func (s *Service) Allowance(ctx context.Context, guardianID string, g Grant) (Result, error) {
	return s.grant(ctx, guardianID, g, domain.TxAllowancePayout)
}

// Bonus pays a discretionary bonus.
func (s *Service) Bonus(ctx context.Context, guardianID string, g Grant) (Result, error) {
	return s.grant(ctx, guardianID, g, domain.TxBonus)
}

func (s *Service) grant(ctx context.Context, guardianID string, in Grant, txType domain.TransactionType) (Result, error) {
	if in.Sats <= 0 {
		return Result{}, domain.ErrBadAmount
	}
	g, err := s.db.GetAccount(ctx, guardianID)
	if err != nil || !g.IsGuardian() {
		return Result{}, domain.ErrForbidden
	}
	d, err := s.db.GetAccount(ctx, in.DependentID)
	if err != nil || d.FamilyID != g.FamilyID || d.Role != domain.RoleDependent {
		return Result{}, fmt.Errorf("%s is not a dependent of this family: %w", in.DependentID, domain.ErrInvalidInput)
	}

	if err := s.limits.Check(ctx, g.ID, in.Sats); err != nil {
		return Result{}, err
	}
	if err := s.fund(ctx, g, in.Sats); err != nil {
		s.limits.Undo(ctx, g.ID, in.Sats)
		return Result{}, err
	}

	memo := in.Memo
	if memo == "" {
		memo = strings.ReplaceAll(string(txType), "_", " ")
	}
	tx, err := s.ledger.Credit(ctx, d.ID, in.Sats, ledger.Entry{
		From:   g.ID,
		Type:   txType,
		Status: domain.TxPending,
		Memo:   memo,
	})
	if err != nil {
		s.limits.Undo(ctx, g.ID, in.Sats)
		return Result{}, err
	}
	// The credit is committed; settling and queueing must not depend on
	// the caller staying around.
	ctx = context.WithoutCancel(ctx)
	_ = s.audit.Record(ctx, domain.AuditEvent{
		Actor: g.ID, FamilyID: g.FamilyID, Action: "payout." + string(txType), Target: d.ID,
		Detail: fmt.Sprintf("%d sats", in.Sats),
	})

	out := s.exec.Pay(ctx, executor.PayRequest{
		FromAccountID: g.ID,
		ToAccountID:   d.ID,
		Sats:          in.Sats,
		Memo:          memo,
	})
	return s.settle(ctx, tx, out, domain.FailedPayment{
		FamilyID:    g.FamilyID,
		FromAccount: g.ID,
		ToAccount:   d.ID,
		Sats:        in.Sats,
		PaymentType: txType,
	}), nil
}

// fund checks that the guardian can cover sats from the wallet, or from the
// internal balance when no wallet is configured.
func (s *Service) fund(ctx context.Context, g *domain.Account, sats int64) error {
	backend, err := s.exec.Backend(g)
	if errors.Is(err, domain.ErrNoBackend) {
		if g.Balance < sats {
			return fmt.Errorf("balance %d sats, payout needs %d: %w", g.Balance, sats, domain.ErrInsufficientFunds)
		}
		return nil
	}
	if err != nil {
		return err
	}
	bal, err := s.exec.Balance(ctx, backend)
	if err != nil {
		return err
	}
	if bal < sats {
		return fmt.Errorf("wallet holds %d sats, payout needs %d: %w", bal, sats, domain.ErrInsufficientFunds)
	}
	return nil
}

// ─── Dependent Spending ─────────────────────────────────────────────────────

// Withdraw sends part of a dependent's balance to an external address, or to
// the stored payout address when none is given.
func (s *Service) Withdraw(ctx context.Context, dependentID string, in Spend) (Result, error) {
	return s.spend(ctx, dependentID, in, domain.TxWithdrawal)
}

// Donate sends part of a dependent's balance to a named recipient.
func (s *Service) Donate(ctx context.Context, dependentID string, in Spend) (Result, error) {
	if strings.TrimSpace(in.Address) == "" {
		return Result{}, fmt.Errorf("donation address is required: %w", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(in.RecipientName) == "" {
		return Result{}, fmt.Errorf("recipient name is required: %w", domain.ErrInvalidInput)
	}
	return s.spend(ctx, dependentID, in, domain.TxDonation)
}

// spend debits the dependent first and pays through the family guardian's
// wallet. Nothing is debited when the family has no wallet.
func (s *Service) spend(ctx context.Context, dependentID string, in Spend, txType domain.TransactionType) (Result, error) {
	if in.Sats <= 0 {
		return Result{}, domain.ErrBadAmount
	}
	d, err := s.db.GetAccount(ctx, dependentID)
	if err != nil || d.Role != domain.RoleDependent {
		return Result{}, domain.ErrForbidden
	}
	address := strings.TrimSpace(in.Address)
	if address == "" {
		address = d.PayoutAddress
	}
	if address == "" {
		return Result{}, fmt.Errorf("no address given and no payout address stored: %w", domain.ErrInvalidInput)
	}
	g, err := s.db.FamilyGuardian(ctx, d.FamilyID)
	if err != nil {
		return Result{}, err
	}
	if _, err := s.exec.Backend(g); err != nil {
		return Result{}, err
	}
	if err := s.limits.Rate.Allow(ctx, d.ID); err != nil {
		return Result{}, err
	}

	memo := in.Memo
	if memo == "" && in.RecipientName != "" {
		memo = "donation to " + in.RecipientName
	}
	tx, err := s.ledger.Debit(ctx, d.ID, in.Sats, ledger.Entry{
		Type:   txType,
		Status: domain.TxPending,
		Memo:   memo,
	})
	if err != nil {
		s.limits.Rate.Release(ctx, d.ID)
		return Result{}, err
	}
	ctx = context.WithoutCancel(ctx)
	_ = s.audit.Record(ctx, domain.AuditEvent{
		Actor: d.ID, FamilyID: d.FamilyID, Action: "payout." + string(txType), Target: address,
		Detail: fmt.Sprintf("%d sats", in.Sats),
	})

	out := s.exec.Pay(ctx, executor.PayRequest{
		FromAccountID: g.ID,
		Address:       address,
		Sats:          in.Sats,
		Memo:          memo,
	})
	if out.Status == domain.TxInternal {
		out.Status = domain.TxFailed
		out.Err = domain.ErrNoBackend
	}
	return s.settle(ctx, tx, out, domain.FailedPayment{
		FamilyID:         d.FamilyID,
		FromAccount:      d.ID,
		RecipientName:    in.RecipientName,
		RecipientAddress: address,
		Sats:             in.Sats,
		PaymentType:      txType,
	}), nil
}

// settle records the outcome of the outbound attempt on tx and queues it
// for retry when it failed.
func (s *Service) settle(ctx context.Context, tx domain.Transaction, out executor.Outcome, fp domain.FailedPayment) Result {
	res := Result{Transaction: &tx, PaymentStatus: out.Status}
	tx.Status = out.Status

	switch out.Status {
	case domain.TxCompleted, domain.TxInternal:
		tx.PaymentRef = out.PaymentRef
		res.PaymentRef = out.PaymentRef
		if err := s.ledger.Settle(ctx, tx.ID, out.Status, out.PaymentRef); err != nil {
			log.Printf("[payout] settle %s: %v", tx.ID, err)
		}
		if out.Status == domain.TxCompleted && fp.ToAccount != "" {
			s.notifier.Notify(ctx, domain.Notification{
				AccountID: fp.ToAccount,
				Kind:      domain.NotifyPayoutSent,
				Text:      notify.Textf("%s arrived in your wallet.", notify.Sats(fp.Sats)),
			})
		}
	default:
		res.PaymentError = domain.PaymentPendingRetry
		log.Printf("[payout] %s %s failed: %v", fp.PaymentType, tx.ID, out.Err)
		if err := s.ledger.Settle(ctx, tx.ID, domain.TxFailed, ""); err != nil {
			log.Printf("[payout] settle %s: %v", tx.ID, err)
		}
		fp.TransactionID = tx.ID
		fp.Error = out.Err.Error()
		if fp.RecipientAddress == "" {
			fp.RecipientAddress = out.Address
		}
		queued, err := s.recovery.Record(ctx, fp)
		if err != nil {
			log.Printf("[payout] queue failed %s: %v", fp.PaymentType, err)
		}
		res.FailedPayment = queued
	}
	return res
}
