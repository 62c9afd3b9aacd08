package payout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/satsjar/satsjar/internal/app/apptest"
	"github.com/satsjar/satsjar/internal/app/executor"
	"github.com/satsjar/satsjar/internal/app/ledger"
	"github.com/satsjar/satsjar/internal/app/limiter"
	"github.com/satsjar/satsjar/internal/app/notify"
	"github.com/satsjar/satsjar/internal/app/recovery"
	"github.com/satsjar/satsjar/internal/domain"
	"github.com/satsjar/satsjar/internal/infra/sqlite"
)

type fixture struct {
	db       *sqlite.DB
	svc      *Service
	ledger   *ledger.Ledger
	recovery *recovery.Service
	backends *apptest.Backends
	notes    *notify.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := apptest.NewDB(t)
	apptest.Account(t, db, "g1", "fam", domain.RoleGuardian)
	apptest.Account(t, db, "d1", "fam", domain.RoleDependent)
	apptest.Account(t, db, "d9", "other", domain.RoleDependent)

	clock := domain.FixedClock{T: apptest.T0}
	backends := apptest.NewBackends()
	l := ledger.New(db, nil, clock)
	exec := executor.New(executor.Config{PaymentTimeout: 100 * time.Millisecond}, db, apptest.Vault(), backends.Open)
	notes := &notify.Recorder{}
	rec := recovery.New(recovery.Config{}, db, l, exec, notes, nil, clock)
	svc := New(Deps{
		DB:       db,
		Ledger:   l,
		Limits:   limiter.New(limiter.NewMemoryStore(), db, limiter.DefaultConfig(), clock),
		Executor: exec,
		Recovery: rec,
		Notifier: notes,
		Clock:    clock,
	})
	return &fixture{db: db, svc: svc, ledger: l, recovery: rec, backends: backends, notes: notes}
}

func (f *fixture) wallet(t *testing.T, balance int64) *apptest.FakeBackend {
	t.Helper()
	fb := f.backends.Add("http://guardian", apptest.NewFakeBackend(balance))
	apptest.AttachWallet(t, f.db, "g1", "http://guardian")
	return fb
}

// ─── Guardian Payouts ───────────────────────────────────────────────────────

func TestGrant_Types(t *testing.T) {
	tests := []struct {
		name string
		call func(*Service) (Result, error)
		want domain.TransactionType
	}{
		{"instant", func(s *Service) (Result, error) {
			return s.Instant(context.Background(), "g1", Grant{DependentID: "d1", Sats: 100})
		}, domain.TxInstantPayout},
		{"allowance", func(s *Service) (Result, error) {
			return s.Allowance(context.Background(), "g1", Grant{DependentID: "d1", Sats: 100})
		}, domain.TxAllowancePayout},
		{"bonus", func(s *Service) (Result, error) {
			return s.Bonus(context.Background(), "g1", Grant{DependentID: "d1", Sats: 100, Memo: "good grades"})
		}, domain.TxBonus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			apptest.Deposit(t, f.db, "g1", 1000)
			res, err := tt.call(f.svc)
			if err != nil {
				t.Fatalf("error: %v", err)
			}
			if res.Transaction.Type != tt.want || res.PaymentStatus != domain.TxInternal {
				t.Errorf("result = %+v", res)
			}
			if bal := apptest.Balance(t, f.db, "d1"); bal != 100 {
				t.Errorf("d1 balance = %d, want 100", bal)
			}
		})
	}
}

func TestGrant_PaysOutToPayoutAddress(t *testing.T) {
	f := newFixture(t)
	fb := f.wallet(t, 5000)
	f.db.SetPayoutAddress(context.Background(), "d1", "kid@wallet.example")

	res, err := f.svc.Instant(context.Background(), "g1", Grant{DependentID: "d1", Sats: 250})
	if err != nil {
		t.Fatal(err)
	}
	if res.PaymentStatus != domain.TxCompleted || res.PaymentRef == "" {
		t.Errorf("result = %+v", res)
	}
	if addrs := fb.Addresses(); len(addrs) != 1 || addrs[0] != "kid@wallet.example" {
		t.Errorf("paid addresses = %v", addrs)
	}
	if len(f.notes.OfKind(domain.NotifyPayoutSent)) != 1 {
		t.Error("no payout notification")
	}
}

func TestGrant_FailureQueuesAndKeepsCredit(t *testing.T) {
	f := newFixture(t)
	fb := f.wallet(t, 5000)
	f.db.SetPayoutAddress(context.Background(), "d1", "kid@wallet.example")
	fb.FailPayments(errors.New("route not found"))

	res, err := f.svc.Allowance(context.Background(), "g1", Grant{DependentID: "d1", Sats: 300})
	if err != nil {
		t.Fatal(err)
	}
	if res.PaymentStatus != domain.TxFailed || res.FailedPayment == nil {
		t.Fatalf("result = %+v", res)
	}
	if res.FailedPayment.RecipientAddress != "kid@wallet.example" || res.FailedPayment.ToAccount != "d1" {
		t.Errorf("queued = %+v", res.FailedPayment)
	}
	if bal := apptest.Balance(t, f.db, "d1"); bal != 300 {
		t.Errorf("d1 balance = %d, want 300", bal)
	}
}

func TestGrant_CallerCancelledDuringPayment(t *testing.T) {
	f := newFixture(t)
	fb := f.wallet(t, 5000)
	f.db.SetPayoutAddress(context.Background(), "d1", "kid@wallet.example")
	fb.FailPayments(errors.New("status 502: upstream body with secrets"))
	fb.SetPayDelay(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(25*time.Millisecond, cancel)
	defer cancel()

	res, err := f.svc.Instant(ctx, "g1", Grant{DependentID: "d1", Sats: 300})
	if err != nil {
		t.Fatalf("Instant() error: %v", err)
	}
	if res.FailedPayment == nil || res.PaymentError != domain.PaymentPendingRetry {
		t.Fatalf("result = %+v", res)
	}
	bg := context.Background()
	tx, _ := f.db.GetTransaction(bg, res.Transaction.ID)
	if tx.Status != domain.TxFailed {
		t.Errorf("tx status = %s, want failed", tx.Status)
	}
	pending, _ := f.recovery.ListPending(bg, "g1", "")
	if len(pending) != 1 {
		t.Errorf("pending = %d, want 1", len(pending))
	}
}

func TestGrant_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	apptest.Deposit(t, f.db, "g1", 100)

	if _, err := f.svc.Instant(ctx, "g1", Grant{DependentID: "d1", Sats: 0}); !errors.Is(err, domain.ErrBadAmount) {
		t.Errorf("zero sats error = %v", err)
	}
	if _, err := f.svc.Instant(ctx, "d1", Grant{DependentID: "d1", Sats: 10}); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("dependent caller error = %v", err)
	}
	if _, err := f.svc.Instant(ctx, "g1", Grant{DependentID: "d9", Sats: 10}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("foreign dependent error = %v", err)
	}
	if _, err := f.svc.Instant(ctx, "g1", Grant{DependentID: "d1", Sats: 500}); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Errorf("insufficient error = %v", err)
	}
	if _, err := f.svc.Instant(ctx, "g1", Grant{DependentID: "d1", Sats: 60_000}); !errors.Is(err, domain.ErrLimitExceeded) {
		t.Errorf("over cap error = %v", err)
	}
	st, _ := f.svc.limits.Spend.Status(ctx, "g1")
	if st.DailySpent != 0 {
		t.Errorf("DailySpent = %d after rejected payouts, want 0", st.DailySpent)
	}
}

// ─── Dependent Spending ─────────────────────────────────────────────────────

func TestWithdraw(t *testing.T) {
	ctx := context.Background()

	t.Run("no family wallet debits nothing", func(t *testing.T) {
		f := newFixture(t)
		apptest.Deposit(t, f.db, "d1", 500)
		_, err := f.svc.Withdraw(ctx, "d1", Spend{Sats: 100, Address: "kid@wallet.example"})
		if !errors.Is(err, domain.ErrNoBackend) {
			t.Errorf("error = %v, want ErrNoBackend", err)
		}
		if bal := apptest.Balance(t, f.db, "d1"); bal != 500 {
			t.Errorf("balance = %d, want 500", bal)
		}
	})

	t.Run("uses stored payout address", func(t *testing.T) {
		f := newFixture(t)
		fb := f.wallet(t, 5000)
		apptest.Deposit(t, f.db, "d1", 500)
		f.db.SetPayoutAddress(ctx, "d1", "kid@wallet.example")

		res, err := f.svc.Withdraw(ctx, "d1", Spend{Sats: 200})
		if err != nil {
			t.Fatal(err)
		}
		if res.PaymentStatus != domain.TxCompleted {
			t.Errorf("status = %s", res.PaymentStatus)
		}
		if bal := apptest.Balance(t, f.db, "d1"); bal != 300 {
			t.Errorf("balance = %d, want 300", bal)
		}
		if addrs := fb.Addresses(); len(addrs) != 1 || addrs[0] != "kid@wallet.example" {
			t.Errorf("paid = %v", addrs)
		}
	})

	t.Run("needs an address", func(t *testing.T) {
		f := newFixture(t)
		f.wallet(t, 5000)
		apptest.Deposit(t, f.db, "d1", 500)
		if _, err := f.svc.Withdraw(ctx, "d1", Spend{Sats: 200}); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("cannot overdraw", func(t *testing.T) {
		f := newFixture(t)
		f.wallet(t, 5000)
		apptest.Deposit(t, f.db, "d1", 50)
		_, err := f.svc.Withdraw(ctx, "d1", Spend{Sats: 200, Address: "kid@wallet.example"})
		if !errors.Is(err, domain.ErrInsufficientFunds) {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("failure queues and cancel refunds", func(t *testing.T) {
		f := newFixture(t)
		fb := f.wallet(t, 5000)
		fb.FailPayments(errors.New("offline"))
		apptest.Deposit(t, f.db, "d1", 500)

		res, err := f.svc.Withdraw(ctx, "d1", Spend{Sats: 200, Address: "kid@wallet.example"})
		if err != nil {
			t.Fatal(err)
		}
		if res.FailedPayment == nil || res.FailedPayment.FromAccount != "d1" {
			t.Fatalf("queued = %+v", res.FailedPayment)
		}
		if bal := apptest.Balance(t, f.db, "d1"); bal != 300 {
			t.Errorf("balance after failed withdrawal = %d, want 300", bal)
		}
		if _, err := f.recovery.Cancel(ctx, "g1", res.FailedPayment.ID); err != nil {
			t.Fatal(err)
		}
		if bal := apptest.Balance(t, f.db, "d1"); bal != 500 {
			t.Errorf("balance after cancel = %d, want 500", bal)
		}
		if rec, _ := f.ledger.Reconcile(ctx, "d1"); !rec.OK {
			t.Errorf("reconcile = %+v", rec)
		}
	})
}

func TestDonate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	fb := f.wallet(t, 5000)
	apptest.Deposit(t, f.db, "d1", 500)

	if _, err := f.svc.Donate(ctx, "d1", Spend{Sats: 10, RecipientName: "Shelter"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("missing address error = %v", err)
	}
	if _, err := f.svc.Donate(ctx, "d1", Spend{Sats: 10, Address: "shelter@pay.example"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("missing name error = %v", err)
	}
	res, err := f.svc.Donate(ctx, "d1", Spend{Sats: 120, Address: "shelter@pay.example", RecipientName: "Shelter"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Transaction.Type != domain.TxDonation || res.Transaction.Memo != "donation to Shelter" {
		t.Errorf("tx = %+v", res.Transaction)
	}
	if fb.Payments() != 1 || apptest.Balance(t, f.db, "d1") != 380 {
		t.Errorf("payments=%d balance=%d", fb.Payments(), apptest.Balance(t, f.db, "d1"))
	}
}
