package domain

import "time"

// ─── Ledger Types ───────────────────────────────────────────────────────────
// These live in domain because they represent core business rules.
// The ledger package implements them against storage.

// TransactionType represents the business reason for a sats movement.
type TransactionType string

const (
	TxEscrowLock      TransactionType = "escrow_lock"
	TxEscrowRelease   TransactionType = "escrow_release"
	TxTaskPayment     TransactionType = "task_payment"
	TxWithdrawal      TransactionType = "withdrawal"
	TxAllowancePayout TransactionType = "allowance_payout"
	TxInstantPayout   TransactionType = "instant_payout"
	TxBonus           TransactionType = "bonus"
	TxDonation        TransactionType = "donation"
	TxRetryPayment    TransactionType = "retry_payment"
	TxClawback        TransactionType = "clawback"
	TxDeposit         TransactionType = "deposit"
	TxRefund          TransactionType = "refund"
)

// TransactionStatus describes external settlement of a transaction.
// It says nothing about the internal balance; see Transaction.Applied.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxInternal  TransactionStatus = "internal"
	TxFailed    TransactionStatus = "failed"
)

// Transaction is a single row in the append-only ledger.
// Applied is true when writing the row also mutated a balance: credits add
// Sats to ToAccount, debits subtract Sats from FromAccount.
type Transaction struct {
	ID          string            `json:"id"`
	FromAccount string            `json:"from_account,omitempty"`
	ToAccount   string            `json:"to_account,omitempty"`
	Sats        int64             `json:"sats"`
	TaskID      string            `json:"task_id,omitempty"`
	Type        TransactionType   `json:"type"`
	Status      TransactionStatus `json:"status"`
	PaymentRef  string            `json:"payment_ref,omitempty"`
	Memo        string            `json:"memo,omitempty"`
	Applied     bool              `json:"applied"`
	Direction   EntryType         `json:"direction,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// EntryType represents the accounting side of an applied ledger row.
type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)
