package ledger

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/satsjar/satsjar/internal/app/apptest"
	"github.com/satsjar/satsjar/internal/domain"
	"github.com/satsjar/satsjar/internal/infra/pricefeed"
)

type stubPrices struct {
	price float64
	err   error
}

func (s stubPrices) Price(context.Context) (pricefeed.Quote, error) {
	if s.err != nil {
		return pricefeed.Quote{}, s.err
	}
	return pricefeed.Quote{Price: s.price, Currency: "EUR", At: apptest.T0}, nil
}

func TestCreditDebitReconcile(t *testing.T) {
	db := apptest.NewDB(t)
	apptest.Account(t, db, "g1", "fam", domain.RoleGuardian)
	l := New(db, nil, domain.FixedClock{T: apptest.T0})
	ctx := context.Background()

	tx, err := l.Credit(ctx, "g1", 1000, Entry{Type: domain.TxDeposit, Status: domain.TxInternal})
	if err != nil {
		t.Fatalf("Credit() error: %v", err)
	}
	if !tx.Applied || tx.Direction != domain.EntryCredit || tx.ToAccount != "g1" {
		t.Errorf("credit tx = %+v", tx)
	}
	if _, err := l.Debit(ctx, "g1", 400, Entry{Type: domain.TxWithdrawal, Status: domain.TxCompleted}); err != nil {
		t.Fatalf("Debit() error: %v", err)
	}
	if _, err := l.RecordTransaction(ctx, 250, Entry{From: "g1", Type: domain.TxEscrowLock, Status: domain.TxInternal}); err != nil {
		t.Fatal(err)
	}

	rec, err := l.Reconcile(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	want := Reconciliation{AccountID: "g1", Balance: 600, Credits: 1000, Debits: 400, OK: true}
	if rec != want {
		t.Errorf("Reconcile = %+v, want %+v", rec, want)
	}

	hist, _ := l.History(ctx, "g1", 0)
	if len(hist) != 3 {
		t.Errorf("history = %d rows, want 3", len(hist))
	}
}

func TestDebit_InsufficientWritesNothing(t *testing.T) {
	db := apptest.NewDB(t)
	apptest.Account(t, db, "d1", "fam", domain.RoleDependent)
	l := New(db, nil, nil)
	ctx := context.Background()
	apptest.Deposit(t, db, "d1", 100)

	_, err := l.Debit(ctx, "d1", 101, Entry{Type: domain.TxWithdrawal, Status: domain.TxPending})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("Debit error = %v, want ErrInsufficientFunds", err)
	}
	hist, _ := l.History(ctx, "d1", 0)
	if len(hist) != 1 {
		t.Errorf("history = %d rows, want only the deposit", len(hist))
	}
	if bal := apptest.Balance(t, db, "d1"); bal != 100 {
		t.Errorf("balance = %d, want 100", bal)
	}
}

func TestBadAmounts(t *testing.T) {
	db := apptest.NewDB(t)
	apptest.Account(t, db, "d1", "fam", domain.RoleDependent)
	l := New(db, nil, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"credit zero", func() error { _, err := l.Credit(ctx, "d1", 0, Entry{Type: domain.TxBonus}); return err }},
		{"credit negative", func() error { _, err := l.Credit(ctx, "d1", -5, Entry{Type: domain.TxBonus}); return err }},
		{"debit zero", func() error { _, err := l.Debit(ctx, "d1", 0, Entry{Type: domain.TxWithdrawal}); return err }},
		{"record negative", func() error { _, err := l.RecordTransaction(ctx, -1, Entry{Type: domain.TxEscrowLock}); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, domain.ErrBadAmount) {
				t.Errorf("error = %v, want ErrBadAmount", err)
			}
		})
	}
}

func TestSettleUpdatesStatusOnly(t *testing.T) {
	db := apptest.NewDB(t)
	apptest.Account(t, db, "d1", "fam", domain.RoleDependent)
	l := New(db, nil, nil)
	ctx := context.Background()

	tx, err := l.Credit(ctx, "d1", 300, Entry{From: "g1", Type: domain.TxTaskPayment, Status: domain.TxPending})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Settle(ctx, tx.ID, domain.TxFailed, ""); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetTransaction(ctx, tx.ID)
	if got.Status != domain.TxFailed || !got.Applied {
		t.Errorf("after failed settle = %+v", got)
	}
	if bal := apptest.Balance(t, db, "d1"); bal != 300 {
		t.Errorf("balance = %d, want 300 (credit stands)", bal)
	}
	if err := l.Settle(ctx, tx.ID, domain.TxCompleted, "hash-1"); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetTransaction(ctx, tx.ID)
	if got.Status != domain.TxCompleted || got.PaymentRef != "hash-1" {
		t.Errorf("after completed settle = %+v", got)
	}
}

func TestEarningsSnapshots(t *testing.T) {
	db := apptest.NewDB(t)
	apptest.Account(t, db, "g1", "fam", domain.RoleGuardian)
	apptest.Account(t, db, "d1", "fam", domain.RoleDependent)
	ctx := context.Background()
	l := New(db, stubPrices{price: 50_000}, domain.FixedClock{T: apptest.T0})

	l.Credit(ctx, "d1", 1000, Entry{Type: domain.TxTaskPayment, Status: domain.TxInternal})
	l.Credit(ctx, "d1", 3000, Entry{Type: domain.TxBonus, Status: domain.TxInternal})
	l.Credit(ctx, "g1", 9999, Entry{Type: domain.TxDeposit, Status: domain.TxInternal})
	l.Wait()

	got, err := l.Earnings(ctx, "d1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(got))
	}
	latest := got[0]
	if latest.Earned != 3000 || latest.Cumulative != 4000 || latest.Currency != "EUR" {
		t.Errorf("latest = %+v", latest)
	}
	if math.Abs(latest.FiatValue-2.0) > 1e-9 {
		t.Errorf("FiatValue = %v, want 2.0", latest.FiatValue)
	}
	if g, _ := l.Earnings(ctx, "g1", 0); len(g) != 0 {
		t.Errorf("guardian has %d snapshots", len(g))
	}

	failing := New(db, stubPrices{err: errors.New("feed down")}, nil)
	if _, err := failing.Credit(ctx, "d1", 10, Entry{Type: domain.TxBonus, Status: domain.TxInternal}); err != nil {
		t.Errorf("credit must not fail on price error: %v", err)
	}
	failing.Wait()
	if got, _ := l.Earnings(ctx, "d1", 0); len(got) != 2 {
		t.Errorf("snapshots after feed failure = %d, want 2", len(got))
	}
}

// gatedPrices answers only once release is closed.
type gatedPrices struct {
	release chan struct{}
}

func (g gatedPrices) Price(ctx context.Context) (pricefeed.Quote, error) {
	select {
	case <-g.release:
		return pricefeed.Quote{Price: 40_000, Currency: "EUR", At: apptest.T0}, nil
	case <-ctx.Done():
		return pricefeed.Quote{}, ctx.Err()
	}
}

func TestEarningsSnapshotOffCreditPath(t *testing.T) {
	db := apptest.NewDB(t)
	apptest.Account(t, db, "d1", "fam", domain.RoleDependent)
	prices := gatedPrices{release: make(chan struct{})}
	l := New(db, prices, domain.FixedClock{T: apptest.T0})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := l.Credit(ctx, "d1", 500, Entry{Type: domain.TxTaskPayment, Status: domain.TxInternal})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Credit() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Credit waited for the price feed")
	}

	// The request is gone before the price arrives; the snapshot still lands.
	cancel()
	close(prices.release)
	l.Wait()

	got, err := l.Earnings(context.Background(), "d1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Earned != 500 || got[0].BTCPrice != 40_000 {
		t.Errorf("snapshots = %+v", got)
	}
}

func TestCreditOnce(t *testing.T) {
	db := apptest.NewDB(t)
	apptest.Account(t, db, "d1", "fam", domain.RoleDependent)
	l := New(db, nil, domain.FixedClock{T: apptest.T0})
	ctx := context.Background()
	entry := Entry{From: "g1", Type: domain.TxBonus, Status: domain.TxInternal, Memo: "milestone:10"}

	if _, ok, err := l.CreditOnce(ctx, "d1", 100, entry); err != nil || !ok {
		t.Fatalf("first CreditOnce = %v, %v", ok, err)
	}
	if _, ok, err := l.CreditOnce(ctx, "d1", 100, entry); err != nil || ok {
		t.Errorf("second CreditOnce = %v, %v, want skipped", ok, err)
	}
	if bal := apptest.Balance(t, db, "d1"); bal != 100 {
		t.Errorf("balance = %d, want 100", bal)
	}
	if _, _, err := l.CreditOnce(ctx, "d1", 100, Entry{Type: domain.TxBonus}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("CreditOnce without memo = %v, want ErrInvalidInput", err)
	}
}
