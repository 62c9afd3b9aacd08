package domain

import (
	"context"
	"time"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// PaymentBackend abstracts a wallet reachable over the payment network.
// Implementations hold only unsealed configuration and keep no mutable state
// between calls, so every call is independent and safe to retry.
type PaymentBackend interface {
	// CreateInvoice issues a payment request for amountSats.
	CreateInvoice(ctx context.Context, amountSats int64, memo string) (Invoice, error)

	// PayToAddress resolves a human-readable payout address and pays it.
	PayToAddress(ctx context.Context, address string, amountSats int64, memo string) (Payment, error)

	// PayInvoice pays an encoded payment request.
	PayInvoice(ctx context.Context, invoice string) (Payment, error)

	// GetBalance returns the wallet balance in sats.
	GetBalance(ctx context.Context) (int64, error)

	// Kind reports which backend variant this is.
	Kind() BackendKind
}

// NotificationKind classifies a message for the notification collaborator.
type NotificationKind string

const (
	NotifyEscrowLocked    NotificationKind = "escrow_locked"
	NotifyTaskAccepted    NotificationKind = "task_accepted"
	NotifyTaskSubmitted   NotificationKind = "task_submitted"
	NotifyTaskApproved    NotificationKind = "task_approved"
	NotifyPayoutSent      NotificationKind = "payout_sent"
	NotifyPaymentFailed   NotificationKind = "payment_failed"
	NotifyRecurringFailed NotificationKind = "recurring_failed"
)

// Notification is addressed to one account, or to a whole family when
// AccountID is empty.
type Notification struct {
	AccountID string           `json:"account_id,omitempty"`
	FamilyID  string           `json:"family_id,omitempty"`
	Kind      NotificationKind `json:"kind"`
	Text      string           `json:"text"`
}

// Notifier delivers notifications. Delivery mechanics live outside the core.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Clock provides the current time. Inject it instead of calling time.Now()
// in code whose behavior depends on the calendar.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual system time.
type RealClock struct{}

// Now returns the current system time.
func (RealClock) Now() time.Time { return time.Now() }

// FixedClock always returns T. Use for deterministic tests.
type FixedClock struct{ T time.Time }

// Now returns the fixed time.
func (c FixedClock) Now() time.Time { return c.T }

// FuncClock wraps a function as a Clock.
type FuncClock func() time.Time

// Now calls the wrapped function.
func (f FuncClock) Now() time.Time { return f() }
