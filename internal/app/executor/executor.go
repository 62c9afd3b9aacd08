// Package executor runs outbound payments against the payment network.
//
// The executor:
//  1. Resolves the sender's backend (unseal credentials, open the wallet)
//  2. Picks a route: payout address, recipient invoice, or internal only
//  3. Bounds the whole route with the payment timeout
//  4. Reports an Outcome; it never touches balances
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/satsjar/satsjar/internal/domain"
	"github.com/satsjar/satsjar/internal/infra/observability"
	"github.com/satsjar/satsjar/internal/infra/sqlite"
	"github.com/satsjar/satsjar/internal/infra/wallet"
	"github.com/satsjar/satsjar/internal/security"
)

// Opener builds a backend from unsealed configuration.
type Opener func(cfg domain.WalletConfig) (domain.PaymentBackend, error)

// WalletOpener returns an Opener backed by the wallet package.
func WalletOpener(opts wallet.Options) Opener {
	return func(cfg domain.WalletConfig) (domain.PaymentBackend, error) {
		return wallet.Open(cfg, opts)
	}
}

// Config controls executor behavior.
type Config struct {
	PaymentTimeout time.Duration // Bound for one whole payment route (default: 15s)
	MaxConcurrent  int           // Outbound payments in flight (default: 8)
}

// DefaultConfig returns safe executor defaults.
func DefaultConfig() Config {
	return Config{
		PaymentTimeout: 15 * time.Second,
		MaxConcurrent:  8,
	}
}

// Route is how a payment leaves the service.
type Route string

const (
	RouteAddress  Route = "address"
	RouteInvoice  Route = "invoice"
	RouteInternal Route = "internal"
)

// PayRequest describes one outbound payment. Address wins over the
// recipient's stored payout address.
type PayRequest struct {
	FromAccountID string
	ToAccountID   string
	Address       string
	Sats          int64
	Memo          string
}

// Outcome is the result of a payment attempt.
//
// Status is TxCompleted when sats left through the network, TxInternal when
// no external route exists and the ledger entry alone stands, and TxFailed
// otherwise (Err is set).
type Outcome struct {
	Route      Route
	Status     domain.TransactionStatus
	PaymentRef string
	Payment    domain.Payment
	Address    string
	Err        error
}

// Failed reports whether the attempt should be queued for retry.
func (o Outcome) Failed() bool { return o.Status == domain.TxFailed }

// Executor resolves backends and runs payments.
type Executor struct {
	mu       sync.RWMutex
	config   Config
	db       *sqlite.DB
	vault    *security.Vault
	open     Opener
	sem      chan struct{}
	active   int
	paid     int64
	internal int64
	failed   int64
}

// New creates a payment executor.
func New(cfg Config, db *sqlite.DB, vault *security.Vault, open Opener) *Executor {
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = DefaultConfig().PaymentTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if open == nil {
		open = WalletOpener(wallet.Options{})
	}
	return &Executor{
		config: cfg,
		db:     db,
		vault:  vault,
		open:   open,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Timeout returns the per-payment bound.
func (e *Executor) Timeout() time.Duration { return e.config.PaymentTimeout }

// ─── Backend Resolution ─────────────────────────────────────────────────────

// Config unseals and decodes the stored configuration of one wallet kind.
// Legacy plaintext rows are accepted until they are re-sealed.
func (e *Executor) Config(acct *domain.Account, kind domain.BackendKind) (domain.WalletConfig, error) {
	sealed, ok := acct.Wallets[kind]
	if !ok || kind == domain.BackendNone {
		return nil, domain.ErrNoBackend
	}
	raw := sealed.Secret
	if security.LooksSealed(raw) {
		plain, err := e.vault.Unseal(raw)
		if err != nil {
			log.Printf("[executor] account %s %s credentials: %v", acct.ID, kind, err)
			return nil, err
		}
		raw = plain
	} else {
		log.Printf("[executor] account %s %s credentials are not sealed yet", acct.ID, kind)
	}
	return wallet.DecodeConfig(kind, []byte(raw))
}

// Open builds a backend for an unsealed configuration.
func (e *Executor) Open(cfg domain.WalletConfig) (domain.PaymentBackend, error) {
	return e.open(cfg)
}

// BackendOf opens the backend of one wallet kind.
func (e *Executor) BackendOf(acct *domain.Account, kind domain.BackendKind) (domain.PaymentBackend, error) {
	cfg, err := e.Config(acct, kind)
	if err != nil {
		return nil, err
	}
	return e.open(cfg)
}

// Backend opens the account's selected backend, or returns
// domain.ErrNoBackend when none is configured.
func (e *Executor) Backend(acct *domain.Account) (domain.PaymentBackend, error) {
	return e.BackendOf(acct, acct.SelectedBackend())
}

// BackendFor loads the account and opens its selected backend.
func (e *Executor) BackendFor(ctx context.Context, accountID string) (domain.PaymentBackend, error) {
	acct, err := e.db.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return e.Backend(acct)
}

// Balance reads a backend balance under the payment timeout.
func (e *Executor) Balance(ctx context.Context, b domain.PaymentBackend) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.PaymentTimeout)
	defer cancel()
	return b.GetBalance(ctx)
}

// ─── Payment ────────────────────────────────────────────────────────────────

// Pay runs one payment. It blocks until the route finishes, the payment
// timeout elapses, or ctx is cancelled.
func (e *Executor) Pay(ctx context.Context, req PayRequest) Outcome {
	if req.Sats <= 0 {
		return e.finish(req, Outcome{Route: RouteInternal, Status: domain.TxFailed, Err: domain.ErrBadAmount})
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return e.finish(req, Outcome{Route: RouteInternal, Status: domain.TxFailed, Err: ctx.Err()})
	}
	defer func() { <-e.sem }()

	e.mu.Lock()
	e.active++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.active--
		e.mu.Unlock()
	}()

	sender, err := e.db.GetAccount(ctx, req.FromAccountID)
	if err != nil {
		return e.finish(req, Outcome{Route: RouteInternal, Status: domain.TxFailed, Err: err})
	}
	from, err := e.Backend(sender)
	if errors.Is(err, domain.ErrNoBackend) {
		return e.finish(req, Outcome{Route: RouteInternal, Status: domain.TxInternal})
	}
	if err != nil {
		return e.finish(req, Outcome{Route: RouteInternal, Status: domain.TxFailed, Err: err})
	}

	var recipient *domain.Account
	if req.ToAccountID != "" {
		if recipient, err = e.db.GetAccount(ctx, req.ToAccountID); err != nil {
			return e.finish(req, Outcome{Route: RouteInternal, Status: domain.TxFailed, Err: err})
		}
	}

	address := req.Address
	if address == "" && recipient != nil {
		address = recipient.PayoutAddress
	}

	execCtx, cancel := context.WithTimeout(ctx, e.config.PaymentTimeout)
	defer cancel()

	var out Outcome
	switch {
	case address != "":
		out = Outcome{Route: RouteAddress, Address: address}
		out.Payment, out.Err = from.PayToAddress(execCtx, address, req.Sats, req.Memo)
	case recipient != nil && recipient.SelectedBackend() != domain.BackendNone:
		out = Outcome{Route: RouteInvoice}
		out.Payment, out.Err = e.payRecipient(execCtx, from, recipient, req)
	default:
		return e.finish(req, Outcome{Route: RouteInternal, Status: domain.TxInternal})
	}

	if out.Err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && !errors.Is(out.Err, domain.ErrPaymentTimeout) {
			out.Err = fmt.Errorf("%w: %w", domain.ErrPaymentTimeout, out.Err)
		}
		out.Status = domain.TxFailed
	} else {
		out.Status = domain.TxCompleted
		out.PaymentRef = out.Payment.PaymentHash
	}
	return e.finish(req, out)
}

func (e *Executor) payRecipient(ctx context.Context, from domain.PaymentBackend, recipient *domain.Account, req PayRequest) (domain.Payment, error) {
	to, err := e.Backend(recipient)
	if err != nil {
		return domain.Payment{}, err
	}
	inv, err := to.CreateInvoice(ctx, req.Sats, req.Memo)
	if err != nil {
		return domain.Payment{}, err
	}
	p, err := from.PayInvoice(ctx, inv.PaymentRequest)
	if err != nil {
		return domain.Payment{}, err
	}
	if p.PaymentHash == "" {
		p.PaymentHash = inv.PaymentHash
	}
	return p, nil
}

func (e *Executor) finish(req PayRequest, out Outcome) Outcome {
	result := string(out.Status)
	e.mu.Lock()
	switch out.Status {
	case domain.TxCompleted:
		e.paid++
	case domain.TxInternal:
		e.internal++
	default:
		e.failed++
	}
	e.mu.Unlock()

	observability.PayoutsTotal.WithLabelValues(string(out.Route), result).Inc()
	if out.Err != nil {
		log.Printf("[executor] payment %s -> %s (%d sats) via %s failed: %v",
			req.FromAccountID, payee(req, out), req.Sats, out.Route, out.Err)
	} else {
		log.Printf("[executor] payment %s -> %s (%d sats) via %s: %s",
			req.FromAccountID, payee(req, out), req.Sats, out.Route, out.Status)
	}
	return out
}

func payee(req PayRequest, out Outcome) string {
	if out.Address != "" {
		return out.Address
	}
	if req.ToAccountID != "" {
		return req.ToAccountID
	}
	return "?"
}

// EncodeConfig is the stored JSON form of a wallet configuration.
func EncodeConfig(cfg domain.WalletConfig) (string, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode %s config: %w", cfg.Kind(), err)
	}
	return string(raw), nil
}

// ─── Stats ──────────────────────────────────────────────────────────────────

// Stats returns executor statistics.
type Stats struct {
	Active    int   `json:"active"`
	Paid      int64 `json:"paid"`
	Internal  int64 `json:"internal"`
	Failed    int64 `json:"failed"`
	MaxSlots  int   `json:"max_slots"`
	FreeSlots int   `json:"free_slots"`
}

// Stats returns current executor statistics.
func (e *Executor) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return Stats{
		Active:    e.active,
		Paid:      e.paid,
		Internal:  e.internal,
		Failed:    e.failed,
		MaxSlots:  e.config.MaxConcurrent,
		FreeSlots: e.config.MaxConcurrent - e.active,
	}
}

// ActiveCount returns the number of payments in flight.
func (e *Executor) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}
