// Package apptest provides fixtures shared by the application-layer tests:
// a scriptable payment backend, an opener that routes wallet configs to
// fakes, and helpers for seeding accounts and wallets.
package apptest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/satsjar/satsjar/internal/domain"
	"github.com/satsjar/satsjar/internal/infra/sqlite"
	"github.com/satsjar/satsjar/internal/security"
)

// T0 is the default test instant: a Monday morning.
var T0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// ─── Fake Backend ───────────────────────────────────────────────────────────

// FakeBackend is a domain.PaymentBackend whose behavior tests control.
type FakeBackend struct {
	mu         sync.Mutex
	kind       domain.BackendKind
	balance    int64
	payErr     error
	balanceErr error
	delay      time.Duration
	payDelay   time.Duration

	invoices  int
	payments  int
	addresses []string
}

// NewFakeBackend returns an invoice-API fake holding balance sats.
func NewFakeBackend(balance int64) *FakeBackend {
	return &FakeBackend{kind: domain.BackendInvoiceAPI, balance: balance}
}

// FailPayments makes every outbound payment return err (nil heals).
func (f *FakeBackend) FailPayments(err error) {
	f.mu.Lock()
	f.payErr = err
	f.mu.Unlock()
}

// FailBalance makes GetBalance return err.
func (f *FakeBackend) FailBalance(err error) {
	f.mu.Lock()
	f.balanceErr = err
	f.mu.Unlock()
}

// SetDelay makes every call block for d or until the context ends.
func (f *FakeBackend) SetDelay(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

// SetPayDelay makes only outbound payments block for d or until the
// context ends.
func (f *FakeBackend) SetPayDelay(d time.Duration) {
	f.mu.Lock()
	f.payDelay = d
	f.mu.Unlock()
}

// Payments returns how many outbound payments settled.
func (f *FakeBackend) Payments() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payments
}

// Invoices returns how many invoices were issued.
func (f *FakeBackend) Invoices() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invoices
}

// Addresses returns the payout addresses paid so far.
func (f *FakeBackend) Addresses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.addresses...)
}

func (f *FakeBackend) wait(ctx context.Context, op string) error {
	f.mu.Lock()
	d := f.delay
	if op == "pay_address" || op == "pay_invoice" {
		d += f.payDelay
	}
	f.mu.Unlock()
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return domain.NewBackendError(f.kind, op, ctx.Err())
	case <-time.After(d):
		return nil
	}
}

// CreateInvoice implements domain.PaymentBackend.
func (f *FakeBackend) CreateInvoice(ctx context.Context, sats int64, memo string) (domain.Invoice, error) {
	if err := f.wait(ctx, "create_invoice"); err != nil {
		return domain.Invoice{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoices++
	hash := uuid.NewString()
	return domain.Invoice{PaymentRequest: "lnbc" + hash, PaymentHash: hash, AmountSats: sats}, nil
}

// PayToAddress implements domain.PaymentBackend.
func (f *FakeBackend) PayToAddress(ctx context.Context, address string, sats int64, memo string) (domain.Payment, error) {
	if err := f.wait(ctx, "pay_address"); err != nil {
		return domain.Payment{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.payErr != nil {
		return domain.Payment{}, domain.NewBackendError(f.kind, "pay_address", f.payErr)
	}
	f.payments++
	f.addresses = append(f.addresses, address)
	f.balance -= sats
	return domain.Payment{PaymentHash: fmt.Sprintf("addr-%d", f.payments)}, nil
}

// PayInvoice implements domain.PaymentBackend.
func (f *FakeBackend) PayInvoice(ctx context.Context, invoice string) (domain.Payment, error) {
	if err := f.wait(ctx, "pay_invoice"); err != nil {
		return domain.Payment{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.payErr != nil {
		return domain.Payment{}, domain.NewBackendError(f.kind, "pay_invoice", f.payErr)
	}
	f.payments++
	return domain.Payment{PaymentHash: fmt.Sprintf("inv-%d", f.payments)}, nil
}

// GetBalance implements domain.PaymentBackend.
func (f *FakeBackend) GetBalance(ctx context.Context) (int64, error) {
	if err := f.wait(ctx, "get_balance"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return 0, domain.NewBackendError(f.kind, "get_balance", f.balanceErr)
	}
	return f.balance, nil
}

// Kind implements domain.PaymentBackend.
func (f *FakeBackend) Kind() domain.BackendKind { return f.kind }

// ─── Opener ─────────────────────────────────────────────────────────────────

// Backends routes wallet configurations to fakes by invoice endpoint.
type Backends struct {
	mu sync.Mutex
	m  map[string]*FakeBackend
}

// NewBackends returns an empty router.
func NewBackends() *Backends {
	return &Backends{m: make(map[string]*FakeBackend)}
}

// Add registers a fake under endpoint.
func (b *Backends) Add(endpoint string, f *FakeBackend) *FakeBackend {
	b.mu.Lock()
	b.m[endpoint] = f
	b.mu.Unlock()
	return f
}

// Open is an executor.Opener.
func (b *Backends) Open(cfg domain.WalletConfig) (domain.PaymentBackend, error) {
	c, ok := cfg.(domain.InvoiceAPIConfig)
	if !ok {
		return nil, fmt.Errorf("apptest: unsupported config %T: %w", cfg, domain.ErrInvalidConfig)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.m[c.Endpoint]
	if !ok {
		return nil, domain.NewBackendError(domain.BackendInvoiceAPI, "connect", fmt.Errorf("no fake at %s", c.Endpoint))
	}
	return f, nil
}

// ─── Seeding ────────────────────────────────────────────────────────────────

var (
	vaultOnce sync.Once
	vault     *security.Vault
)

// Vault returns a vault with a fixed test master key.
func Vault() *security.Vault {
	vaultOnce.Do(func() { vault = security.NewVault("apptest-master-key") })
	return vault
}

// NewDB opens a fresh database in a temp dir.
func NewDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("sqlite.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// Account creates an account in familyID.
func Account(t *testing.T, db *sqlite.DB, id, familyID string, role domain.Role) *domain.Account {
	t.Helper()
	a := &domain.Account{ID: id, FamilyID: familyID, Role: role, Name: id, CreatedAt: T0}
	if err := db.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("CreateAccount(%s) error: %v", id, err)
	}
	return a
}

// Deposit credits sats to an account through the ledger table.
func Deposit(t *testing.T, db *sqlite.DB, accountID string, sats int64) {
	t.Helper()
	_, err := db.ApplyEntry(context.Background(), domain.Transaction{
		ID: uuid.NewString(), ToAccount: accountID, Sats: sats, Type: domain.TxDeposit,
		Status: domain.TxInternal, Direction: domain.EntryCredit, CreatedAt: T0,
	})
	if err != nil {
		t.Fatalf("deposit to %s: %v", accountID, err)
	}
}

// AttachWallet seals an invoice-API config pointing at endpoint and stores it.
func AttachWallet(t *testing.T, db *sqlite.DB, accountID, endpoint string) {
	t.Helper()
	raw := fmt.Sprintf(`{"endpoint":%q,"api_key":"test-key"}`, endpoint)
	sealed, err := Vault().Seal(raw)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	err = db.UpsertWallet(context.Background(), accountID, domain.SealedWallet{
		Kind: domain.BackendInvoiceAPI, Secret: sealed, UpdatedAt: T0,
	})
	if err != nil {
		t.Fatalf("UpsertWallet(%s) error: %v", accountID, err)
	}
}

// Balance reads an account balance or fails the test.
func Balance(t *testing.T, db *sqlite.DB, accountID string) int64 {
	t.Helper()
	b, err := db.Balance(context.Background(), accountID)
	if err != nil {
		t.Fatalf("Balance(%s) error: %v", accountID, err)
	}
	return b
}
