// Package ledger owns every balance mutation. A balance change and the
// transaction row that explains it are written in one SQLite transaction,
// so the sum of applied rows always equals the stored balance.
//
// Crediting is optimistic: a dependent is credited when a task is approved,
// and external settlement only updates the row's status afterwards. It never
// rolls the balance back.
package ledger

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/satsjar/satsjar/internal/domain"
	"github.com/satsjar/satsjar/internal/infra/observability"
	"github.com/satsjar/satsjar/internal/infra/pricefeed"
	"github.com/satsjar/satsjar/internal/infra/sqlite"
)

// PriceSource quotes the BTC price used for earnings snapshots.
type PriceSource interface {
	Price(ctx context.Context) (pricefeed.Quote, error)
}

// Entry describes the business side of a ledger row.
type Entry struct {
	From       string
	To         string
	TaskID     string
	Type       domain.TransactionType
	Status     domain.TransactionStatus
	PaymentRef string
	Memo       string
}

// SnapshotTimeout bounds one earnings snapshot, price lookup included.
const SnapshotTimeout = 15 * time.Second

// Ledger records balance changes and transactions.
type Ledger struct {
	db     *sqlite.DB
	prices PriceSource
	clock  domain.Clock

	mu        sync.Mutex
	last      chan struct{} // closed when the newest snapshot is written
	snapshots sync.WaitGroup
}

// New creates a ledger. prices may be nil, which disables earnings snapshots.
func New(db *sqlite.DB, prices PriceSource, clock domain.Clock) *Ledger {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Ledger{db: db, prices: prices, clock: clock}
}

func (l *Ledger) newTx(sats int64, e Entry, dir domain.EntryType) domain.Transaction {
	return domain.Transaction{
		ID:          uuid.NewString(),
		FromAccount: e.From,
		ToAccount:   e.To,
		Sats:        sats,
		TaskID:      e.TaskID,
		Type:        e.Type,
		Status:      e.Status,
		PaymentRef:  e.PaymentRef,
		Memo:        e.Memo,
		Direction:   dir,
		CreatedAt:   l.clock.Now(),
	}
}

// Credit adds sats to accountID and appends the paired row.
func (l *Ledger) Credit(ctx context.Context, accountID string, sats int64, e Entry) (domain.Transaction, error) {
	if sats <= 0 {
		return domain.Transaction{}, domain.ErrBadAmount
	}
	e.To = accountID
	tx := l.newTx(sats, e, domain.EntryCredit)
	if _, err := l.db.ApplyEntry(ctx, tx); err != nil {
		return domain.Transaction{}, fmt.Errorf("credit %s: %w", accountID, err)
	}
	tx.Applied = true
	observability.SatsMoved.WithLabelValues(string(e.Type)).Add(float64(sats))
	l.snapshotEarnings(ctx, accountID, sats)
	return tx, nil
}

// CreditOnce is Credit for rows that may exist at most once per recipient,
// type and memo. ok is false, and nothing is written, when such a row is
// already there.
func (l *Ledger) CreditOnce(ctx context.Context, accountID string, sats int64, e Entry) (tx domain.Transaction, ok bool, err error) {
	if sats <= 0 {
		return domain.Transaction{}, false, domain.ErrBadAmount
	}
	e.To = accountID
	tx = l.newTx(sats, e, domain.EntryCredit)
	ok, err = l.db.ApplyEntryOnce(ctx, tx)
	if err != nil {
		return domain.Transaction{}, false, fmt.Errorf("credit %s: %w", accountID, err)
	}
	if !ok {
		return domain.Transaction{}, false, nil
	}
	tx.Applied = true
	observability.SatsMoved.WithLabelValues(string(e.Type)).Add(float64(sats))
	l.snapshotEarnings(ctx, accountID, sats)
	return tx, true, nil
}

// Debit subtracts sats from accountID and appends the paired row. It fails
// with domain.ErrInsufficientFunds, writing nothing, if the balance is short.
func (l *Ledger) Debit(ctx context.Context, accountID string, sats int64, e Entry) (domain.Transaction, error) {
	if sats <= 0 {
		return domain.Transaction{}, domain.ErrBadAmount
	}
	e.From = accountID
	tx := l.newTx(sats, e, domain.EntryDebit)
	if _, err := l.db.ApplyEntry(ctx, tx); err != nil {
		return domain.Transaction{}, fmt.Errorf("debit %s: %w", accountID, err)
	}
	tx.Applied = true
	observability.SatsMoved.WithLabelValues(string(e.Type)).Add(float64(sats))
	return tx, nil
}

// RecordTransaction appends a row without touching any balance.
func (l *Ledger) RecordTransaction(ctx context.Context, sats int64, e Entry) (domain.Transaction, error) {
	if sats < 0 {
		return domain.Transaction{}, domain.ErrBadAmount
	}
	tx := l.newTx(sats, e, "")
	if err := l.db.InsertTransaction(ctx, tx); err != nil {
		return domain.Transaction{}, err
	}
	return tx, nil
}

// Settle records the external outcome of a transaction.
func (l *Ledger) Settle(ctx context.Context, txID string, status domain.TransactionStatus, paymentRef string) error {
	return l.db.SettleTransaction(ctx, txID, status, paymentRef)
}

// History returns an account's newest transactions.
func (l *Ledger) History(ctx context.Context, accountID string, limit int) ([]domain.Transaction, error) {
	return l.db.ListTransactions(ctx, accountID, limit)
}

// Reconciliation compares the stored balance with the applied rows.
type Reconciliation struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	Credits   int64  `json:"credits"`
	Debits    int64  `json:"debits"`
	OK        bool   `json:"ok"`
}

// Reconcile checks Σ applied credits − Σ applied debits == balance.
func (l *Ledger) Reconcile(ctx context.Context, accountID string) (Reconciliation, error) {
	bal, err := l.db.Balance(ctx, accountID)
	if err != nil {
		return Reconciliation{}, err
	}
	credits, debits, err := l.db.AppliedSums(ctx, accountID)
	if err != nil {
		return Reconciliation{}, err
	}
	return Reconciliation{
		AccountID: accountID,
		Balance:   bal,
		Credits:   credits,
		Debits:    debits,
		OK:        credits-debits == bal,
	}, nil
}

// Earnings returns an account's earnings snapshots, newest first.
func (l *Ledger) Earnings(ctx context.Context, accountID string, limit int) ([]domain.EarningsEntry, error) {
	return l.db.ListEarnings(ctx, accountID, limit)
}

// Wait blocks until every queued earnings snapshot has been written.
func (l *Ledger) Wait() { l.snapshots.Wait() }

// snapshotEarnings values a dependent's cumulative earnings in fiat. It runs
// in the background on its own bounded context, in the order credits were
// made. Best effort: no price or a storage error only logs.
func (l *Ledger) snapshotEarnings(ctx context.Context, accountID string, sats int64) {
	if l.prices == nil {
		return
	}
	at := l.clock.Now()
	l.mu.Lock()
	prev := l.last
	done := make(chan struct{})
	l.last = done
	l.mu.Unlock()

	l.snapshots.Add(1)
	go func() {
		defer l.snapshots.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), SnapshotTimeout)
		defer cancel()
		l.writeSnapshot(ctx, accountID, sats, at)
	}()
}

func (l *Ledger) writeSnapshot(ctx context.Context, accountID string, sats int64, at time.Time) {
	acct, err := l.db.GetAccount(ctx, accountID)
	if err != nil || acct.Role != domain.RoleDependent {
		return
	}
	q, err := l.prices.Price(ctx)
	if err != nil {
		log.Printf("[ledger] earnings snapshot for %s skipped: %v", accountID, err)
		return
	}
	_, err = l.db.AppendEarnings(ctx, domain.EarningsEntry{
		AccountID: accountID,
		Earned:    sats,
		BTCPrice:  q.Price,
		Currency:  q.Currency,
		CreatedAt: at,
	})
	if err != nil {
		log.Printf("[ledger] earnings snapshot for %s: %v", accountID, err)
	}
}
