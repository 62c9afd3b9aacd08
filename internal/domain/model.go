// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of the service and depends on nothing.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// ─── Account Types ──────────────────────────────────────────────────────────

// Role distinguishes the two kinds of family accounts.
type Role string

const (
	RoleGuardian  Role = "guardian"
	RoleDependent Role = "dependent"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleGuardian || r == RoleDependent
}

// Account is a family member. Balance is mutated only by the ledger.
type Account struct {
	ID            string                       `json:"id"`
	FamilyID      string                       `json:"family_id"`
	Role          Role                         `json:"role"`
	Name          string                       `json:"name"`
	PINHash       string                       `json:"-"`
	Balance       int64                        `json:"balance"`
	ActiveBackend BackendKind                  `json:"active_backend,omitempty"`
	Wallets       map[BackendKind]SealedWallet `json:"-"`
	PayoutAddress string                       `json:"payout_address,omitempty"`
	CreatedAt     time.Time                    `json:"created_at"`
}

// IsGuardian reports whether the account may create and approve tasks.
func (a *Account) IsGuardian() bool { return a != nil && a.Role == RoleGuardian }

// ConfiguredBackends lists which wallet kinds have stored credentials.
func (a *Account) ConfiguredBackends() []BackendKind {
	var out []BackendKind
	for _, k := range []BackendKind{BackendRelay, BackendInvoiceAPI} {
		if _, ok := a.Wallets[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// SelectedBackend resolves the backend used for outbound payments.
// An explicit active tag wins when its credentials exist; otherwise relay is
// preferred over the invoice API. BackendNone means nothing is configured.
func (a *Account) SelectedBackend() BackendKind {
	if a == nil {
		return BackendNone
	}
	if a.ActiveBackend != BackendNone {
		if _, ok := a.Wallets[a.ActiveBackend]; ok {
			return a.ActiveBackend
		}
	}
	if _, ok := a.Wallets[BackendRelay]; ok {
		return BackendRelay
	}
	if _, ok := a.Wallets[BackendInvoiceAPI]; ok {
		return BackendInvoiceAPI
	}
	return BackendNone
}

// ─── Wallet Types ───────────────────────────────────────────────────────────

// BackendKind tags which payment backend a wallet configuration targets.
type BackendKind string

const (
	BackendNone       BackendKind = ""
	BackendInvoiceAPI BackendKind = "invoice_api"
	BackendRelay      BackendKind = "relay"
)

// ParseBackendKind accepts the API spellings of a backend kind.
func ParseBackendKind(s string) (BackendKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "invoice_api", "invoice-api", "lnbits":
		return BackendInvoiceAPI, nil
	case "relay", "nwc":
		return BackendRelay, nil
	}
	return BackendNone, fmt.Errorf("unknown backend kind %q: %w", s, ErrInvalidInput)
}

// SealedWallet holds one backend's credentials as a vault blob.
// Legacy rows may still carry plaintext JSON until migrated.
type SealedWallet struct {
	Kind      BackendKind `json:"kind"`
	Secret    string      `json:"-"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// WalletConfig is the unsealed configuration of exactly one backend.
// The concrete types form a closed union: InvoiceAPIConfig or RelayConfig.
// A nil WalletConfig means no backend is configured.
type WalletConfig interface {
	Kind() BackendKind
	Validate() error
}

// InvoiceAPIConfig reaches a wallet service over direct HTTP.
type InvoiceAPIConfig struct {
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`
}

// Kind implements WalletConfig.
func (InvoiceAPIConfig) Kind() BackendKind { return BackendInvoiceAPI }

// Validate checks that both required fields are present and the endpoint is http(s).
func (c InvoiceAPIConfig) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("invoice api key is required: %w", ErrInvalidConfig)
	}
	e := strings.TrimSpace(c.Endpoint)
	if !strings.HasPrefix(e, "http://") && !strings.HasPrefix(e, "https://") {
		return fmt.Errorf("invoice api endpoint must be an http(s) URL: %w", ErrInvalidConfig)
	}
	return nil
}

// RelayConfig reaches a wallet through a message relay with a shared secret.
type RelayConfig struct {
	Descriptor       string `json:"descriptor"`
	WalletPubkey     string `json:"wallet_pubkey"`
	RelayURL         string `json:"relay_url"`
	Secret           string `json:"secret"`
	LightningAddress string `json:"lud16,omitempty"`
}

// Kind implements WalletConfig.
func (RelayConfig) Kind() BackendKind { return BackendRelay }

// Validate checks the parsed descriptor fields.
func (c RelayConfig) Validate() error {
	switch {
	case c.WalletPubkey == "":
		return fmt.Errorf("relay descriptor missing wallet pubkey: %w", ErrInvalidDescriptor)
	case c.RelayURL == "":
		return fmt.Errorf("relay descriptor missing relay: %w", ErrInvalidDescriptor)
	case c.Secret == "":
		return fmt.Errorf("relay descriptor missing secret: %w", ErrInvalidDescriptor)
	}
	return nil
}

// Invoice is a payment request issued by a backend.
type Invoice struct {
	PaymentRequest string `json:"payment_request"`
	PaymentHash    string `json:"payment_hash"`
	AmountSats     int64  `json:"amount_sats"`
}

// Payment is the outcome of a settled outbound payment.
type Payment struct {
	PaymentHash string `json:"payment_hash"`
	Preimage    string `json:"preimage,omitempty"`
	FeeSats     int64  `json:"fee_sats,omitempty"`
}

// ─── Task Types ─────────────────────────────────────────────────────────────

// TaskStatus is a state in the escrow state machine.
type TaskStatus string

const (
	TaskOpen      TaskStatus = "open"
	TaskAssigned  TaskStatus = "assigned"
	TaskSubmitted TaskStatus = "submitted"
	TaskApproved  TaskStatus = "approved"
)

// Task is an obligation a guardian posts for dependents.
type Task struct {
	ID           string     `json:"id"`
	FamilyID     string     `json:"family_id"`
	CreatorID    string     `json:"creator_id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Sats         int64      `json:"sats"`
	Status       TaskStatus `json:"status"`
	AssigneeID   string     `json:"assignee_id,omitempty"`
	ProofRef     string     `json:"proof_ref,omitempty"`
	EscrowLocked bool       `json:"escrow_locked"`
	PaymentRef   string     `json:"payment_ref,omitempty"`
	BypassUnlock bool       `json:"bypass_unlock,omitempty"`
	ObligationID string     `json:"obligation_id,omitempty"`
	Archived     bool       `json:"archived,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
}

// Paid reports whether approving the task moves sats.
func (t *Task) Paid() bool { return t.Sats > 0 }

// ─── Recovery Types ─────────────────────────────────────────────────────────

// FailedPaymentStatus tracks a queued outbound payment.
type FailedPaymentStatus string

const (
	FailedPending   FailedPaymentStatus = "pending"
	FailedRetried   FailedPaymentStatus = "retried"
	FailedResolved  FailedPaymentStatus = "resolved"
	FailedCancelled FailedPaymentStatus = "cancelled"
)

// FailedPayment is a durable record of an outbound payment that did not settle.
type FailedPayment struct {
	ID               string              `json:"id"`
	FamilyID         string              `json:"family_id"`
	FromAccount      string              `json:"from_account"`
	ToAccount        string              `json:"to_account,omitempty"`
	RecipientName    string              `json:"recipient_name,omitempty"`
	RecipientAddress string              `json:"recipient_address,omitempty"`
	Sats             int64               `json:"sats"`
	PaymentType      TransactionType     `json:"payment_type"`
	TaskID           string              `json:"task_id,omitempty"`
	TransactionID    string              `json:"transaction_id,omitempty"`
	Error            string              `json:"error"`
	Status           FailedPaymentStatus `json:"status"`
	RetryCount       int                 `json:"retry_count"`
	LastAttemptAt    time.Time           `json:"last_attempt_at"`
	CreatedAt        time.Time           `json:"created_at"`
	ResolvedAt       *time.Time          `json:"resolved_at,omitempty"`
}

// ─── Recurring Types ────────────────────────────────────────────────────────

// Frequency is how often a recurring obligation spawns a task.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// RecurringObligation spawns tasks on a calendar schedule.
type RecurringObligation struct {
	ID              string     `json:"id"`
	FamilyID        string     `json:"family_id"`
	CreatorID       string     `json:"creator_id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Sats            int64      `json:"sats"`
	Frequency       Frequency  `json:"frequency"`
	DayOfWeek       int        `json:"day_of_week"`
	DayOfMonth      int        `json:"day_of_month"`
	TimeOfDay       string     `json:"time_of_day"`
	AssigneeID      string     `json:"assignee_id,omitempty"`
	LastCreatedDate *time.Time `json:"last_created_date,omitempty"`
	Active          bool       `json:"active"`
	CreatedAt       time.Time  `json:"created_at"`
}

// ParseTimeOfDay splits "HH:MM" into hour and minute.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	if s == "" {
		return 0, 0, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("time of day %q: %w", s, ErrInvalidInput)
	}
	return t.Hour(), t.Minute(), nil
}

// Validate checks an obligation before it is stored.
func (o *RecurringObligation) Validate() error {
	if strings.TrimSpace(o.Title) == "" {
		return fmt.Errorf("title is required: %w", ErrInvalidInput)
	}
	if o.Sats < 0 {
		return ErrBadAmount
	}
	switch o.Frequency {
	case FrequencyDaily:
	case FrequencyWeekly:
		if o.DayOfWeek < 0 || o.DayOfWeek > 6 {
			return fmt.Errorf("day_of_week must be 0-6: %w", ErrInvalidInput)
		}
	case FrequencyMonthly:
		if o.DayOfMonth < 0 || o.DayOfMonth > 31 {
			return fmt.Errorf("day_of_month must be 1-31: %w", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("unknown frequency %q: %w", o.Frequency, ErrInvalidInput)
	}
	_, _, err := ParseTimeOfDay(o.TimeOfDay)
	return err
}

// ─── Limit Types ────────────────────────────────────────────────────────────

// SpendingLimit is an account's caps plus its live rolling counter.
type SpendingLimit struct {
	AccountID  string    `json:"account_id"`
	DailyCap   int64     `json:"daily_cap"`
	PerTxCap   int64     `json:"per_tx_cap"`
	DailySpent int64     `json:"daily_spent"`
	Remaining  int64     `json:"remaining"`
	ResetAt    time.Time `json:"reset_at,omitempty"`
}

// LimitWindow is one limiter counter. A window is live until ExpiresAt.
type LimitWindow struct {
	Count     int       `json:"count"`
	Total     int64     `json:"total"`
	StartedAt time.Time `json:"started_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the window no longer counts at now.
func (w LimitWindow) Expired(now time.Time) bool {
	return w.ExpiresAt.IsZero() || !now.Before(w.ExpiresAt)
}

// ─── Audit & Earnings ───────────────────────────────────────────────────────

// AuditEvent is a single recorded business action.
type AuditEvent struct {
	ID       string    `json:"id"`
	Time     time.Time `json:"time"`
	Actor    string    `json:"actor,omitempty"`
	FamilyID string    `json:"family_id,omitempty"`
	Action   string    `json:"action"`
	Target   string    `json:"target,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// EarningsEntry snapshots a dependent's cumulative earnings and their fiat value.
type EarningsEntry struct {
	ID         int64     `json:"id"`
	AccountID  string    `json:"account_id"`
	Earned     int64     `json:"earned"`
	Cumulative int64     `json:"cumulative"`
	BTCPrice   float64   `json:"btc_price"`
	FiatValue  float64   `json:"fiat_value"`
	Currency   string    `json:"currency"`
	CreatedAt  time.Time `json:"created_at"`
}

// SatsPerBTC is the number of satoshis in one bitcoin.
const SatsPerBTC = 100_000_000

// FiatValue converts sats to fiat at the given BTC price.
func FiatValue(sats int64, btcPrice float64) float64 {
	return float64(sats) / SatsPerBTC * btcPrice
}
