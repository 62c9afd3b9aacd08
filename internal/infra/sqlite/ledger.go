package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/satsjar/satsjar/internal/domain"
)

// ─── Ledger Operations ──────────────────────────────────────────────────────

const txColumns = `id, from_account, to_account, sats, task_id, type, status, payment_ref, memo, applied, direction, created_at`

// ApplyEntry mutates one balance and appends the transaction row in a single
// SQL transaction. EntryCredit adds to ToAccount, EntryDebit subtracts from
// FromAccount. A debit that would go negative writes nothing and returns
// domain.ErrInsufficientFunds. It returns the new balance.
func (db *DB) ApplyEntry(ctx context.Context, t domain.Transaction) (int64, error) {
	var account string
	switch t.Direction {
	case domain.EntryCredit:
		account = t.ToAccount
	case domain.EntryDebit:
		account = t.FromAccount
	default:
		return 0, fmt.Errorf("entry direction %q: %w", t.Direction, domain.ErrInvalidInput)
	}
	if account == "" {
		return 0, fmt.Errorf("entry has no %s account: %w", t.Direction, domain.ErrInvalidInput)
	}
	if t.Sats <= 0 {
		return 0, domain.ErrBadAmount
	}

	var balance int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		balance, err = applyEntry(ctx, tx, account, t)
		return err
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// ApplyEntryOnce applies a credit unless a row with the same recipient,
// type and memo already exists. The check and the write share one
// transaction; ok is false when nothing was written.
func (db *DB) ApplyEntryOnce(ctx context.Context, t domain.Transaction) (ok bool, err error) {
	if t.Direction != domain.EntryCredit || t.ToAccount == "" || t.Memo == "" {
		return false, fmt.Errorf("once-only entry needs a credit with recipient and memo: %w", domain.ErrInvalidInput)
	}
	if t.Sats <= 0 {
		return false, domain.ErrBadAmount
	}
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM transactions WHERE to_account = ? AND type = ? AND memo = ?
		`, t.ToAccount, string(t.Type), t.Memo).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		if _, err := applyEntry(ctx, tx, t.ToAccount, t); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil && isUniqueViolation(err) {
		return false, nil
	}
	return ok, err
}

func applyEntry(ctx context.Context, tx *sql.Tx, account string, t domain.Transaction) (int64, error) {
	var balance int64
	if err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, account).Scan(&balance); err != nil {
		return 0, notFound(err, "account "+account)
	}
	if t.Direction == domain.EntryDebit {
		if balance < t.Sats {
			return 0, fmt.Errorf("balance %d < %d: %w", balance, t.Sats, domain.ErrInsufficientFunds)
		}
		balance -= t.Sats
	} else {
		balance += t.Sats
	}
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = ? WHERE id = ?`, balance, account); err != nil {
		return 0, fmt.Errorf("update balance: %w", err)
	}
	t.Applied = true
	return balance, insertTransaction(ctx, tx, t)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// InsertTransaction appends a row that does not touch any balance.
func (db *DB) InsertTransaction(ctx context.Context, t domain.Transaction) error {
	t.Applied = false
	return insertTransaction(ctx, db.db, t)
}

func insertTransaction(ctx context.Context, exec interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, t domain.Transaction) error {
	_, err := exec.ExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, nullString(t.FromAccount), nullString(t.ToAccount), t.Sats, nullString(t.TaskID),
		string(t.Type), string(t.Status), t.PaymentRef, t.Memo, boolInt(t.Applied),
		string(t.Direction), fmtTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// SettleTransaction records the external outcome of a transaction. The
// balance is never touched. An empty paymentRef keeps the stored one.
func (db *DB) SettleTransaction(ctx context.Context, id string, status domain.TransactionStatus, paymentRef string) error {
	return db.execOne(ctx, "transaction "+id, `
		UPDATE transactions
		SET status = ?, payment_ref = CASE WHEN ? = '' THEN payment_ref ELSE ? END
		WHERE id = ?
	`, string(status), paymentRef, paymentRef, id)
}

// GetTransaction loads one ledger row.
func (db *DB) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	row := db.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if err != nil {
		return nil, notFound(err, "transaction "+id)
	}
	return t, nil
}

// ListTransactions returns the newest rows touching an account.
func (db *DB) ListTransactions(ctx context.Context, accountID string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE from_account = ? OR to_account = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, accountID, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// TaskTransactions returns every row linked to a task, oldest first.
func (db *DB) TaskTransactions(ctx context.Context, taskID string) ([]domain.Transaction, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM transactions WHERE task_id = ? ORDER BY rowid
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// AppliedSums totals the balance-carrying rows of an account.
func (db *DB) AppliedSums(ctx context.Context, accountID string) (credits, debits int64, err error) {
	err = db.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN direction = 'CREDIT' AND to_account = ? THEN sats END), 0),
			COALESCE(SUM(CASE WHEN direction = 'DEBIT' AND from_account = ? THEN sats END), 0)
		FROM transactions
		WHERE applied = 1 AND (to_account = ? OR from_account = ?)
	`, accountID, accountID, accountID, accountID).Scan(&credits, &debits)
	return
}

func scanTransaction(s rowScanner) (*domain.Transaction, error) {
	var t domain.Transaction
	var from, to, task sql.NullString
	var typ, status, dir, created string
	var applied int
	if err := s.Scan(&t.ID, &from, &to, &t.Sats, &task, &typ, &status,
		&t.PaymentRef, &t.Memo, &applied, &dir, &created); err != nil {
		return nil, err
	}
	t.FromAccount = from.String
	t.ToAccount = to.String
	t.TaskID = task.String
	t.Type = domain.TransactionType(typ)
	t.Status = domain.TransactionStatus(status)
	t.Applied = applied == 1
	t.Direction = domain.EntryType(dir)
	t.CreatedAt = parseTime(created)
	return &t, nil
}

func scanTransactions(rows *sql.Rows) ([]domain.Transaction, error) {
	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
