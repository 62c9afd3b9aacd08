package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/satsjar/satsjar/internal/domain"
)

// ─── Failed Payment Operations ──────────────────────────────────────────────
// A retry first claims the row (pending → retried) so two concurrent retries
// of the same entry cannot both pay. The claim ends in resolved or, on
// another failure, back in pending.

const failedColumns = `id, family_id, from_account, to_account, recipient_name, recipient_address,
	sats, payment_type, task_id, transaction_id, error, status, retry_count,
	last_attempt_at, created_at, resolved_at`

// InsertFailedPayment queues a payment for manual retry.
func (db *DB) InsertFailedPayment(ctx context.Context, f *domain.FailedPayment) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO failed_payments (`+failedColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.FamilyID, f.FromAccount, f.ToAccount, f.RecipientName, f.RecipientAddress,
		f.Sats, string(f.PaymentType), f.TaskID, f.TransactionID, f.Error, string(f.Status),
		f.RetryCount, fmtTime(f.LastAttemptAt), fmtTime(f.CreatedAt), nullTime(f.ResolvedAt))
	if err != nil {
		return fmt.Errorf("insert failed payment: %w", err)
	}
	return nil
}

// GetFailedPayment loads one entry.
func (db *DB) GetFailedPayment(ctx context.Context, id string) (*domain.FailedPayment, error) {
	row := db.db.QueryRowContext(ctx, `SELECT `+failedColumns+` FROM failed_payments WHERE id = ?`, id)
	f, err := scanFailed(row)
	if err != nil {
		return nil, notFound(err, "failed payment "+id)
	}
	return f, nil
}

// ListFailedPayments returns a family's entries in the given status, newest
// first. An empty status lists all of them.
func (db *DB) ListFailedPayments(ctx context.Context, familyID string, status domain.FailedPaymentStatus) ([]domain.FailedPayment, error) {
	q := `SELECT ` + failedColumns + ` FROM failed_payments WHERE family_id = ?`
	args := []any{familyID}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC, id`

	rows, err := db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.FailedPayment
	for rows.Next() {
		f, err := scanFailed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// ClaimFailedPayment moves pending → retried before a retry attempt.
func (db *DB) ClaimFailedPayment(ctx context.Context, id string, at time.Time) (bool, error) {
	return execCAS(ctx, db.db, `
		UPDATE failed_payments SET status = 'retried', last_attempt_at = ?
		WHERE id = ? AND status = 'pending'
	`, fmtTime(at), id)
}

// ReleaseFailedPayment returns a claimed entry to pending after another
// failure, recording the new error and bumping the retry count.
func (db *DB) ReleaseFailedPayment(ctx context.Context, id, errMsg string, at time.Time) error {
	return db.execOne(ctx, "failed payment "+id, `
		UPDATE failed_payments
		SET status = 'pending', error = ?, retry_count = retry_count + 1, last_attempt_at = ?
		WHERE id = ? AND status = 'retried'
	`, errMsg, fmtTime(at), id)
}

// ResolveFailedPayment closes a claimed entry after a successful retry.
func (db *DB) ResolveFailedPayment(ctx context.Context, id string, at time.Time) error {
	stamp := fmtTime(at)
	return db.execOne(ctx, "failed payment "+id, `
		UPDATE failed_payments
		SET status = 'resolved', retry_count = retry_count + 1, last_attempt_at = ?, resolved_at = ?
		WHERE id = ? AND status = 'retried'
	`, stamp, stamp, id)
}

// CancelFailedPayment closes a pending entry without paying it.
func (db *DB) CancelFailedPayment(ctx context.Context, id string, at time.Time) (bool, error) {
	return execCAS(ctx, db.db, `
		UPDATE failed_payments SET status = 'cancelled', resolved_at = ?
		WHERE id = ? AND status = 'pending'
	`, fmtTime(at), id)
}

func scanFailed(s rowScanner) (*domain.FailedPayment, error) {
	var f domain.FailedPayment
	var typ, status, last, created string
	var resolved sql.NullString
	if err := s.Scan(&f.ID, &f.FamilyID, &f.FromAccount, &f.ToAccount, &f.RecipientName,
		&f.RecipientAddress, &f.Sats, &typ, &f.TaskID, &f.TransactionID, &f.Error, &status,
		&f.RetryCount, &last, &created, &resolved); err != nil {
		return nil, err
	}
	f.PaymentType = domain.TransactionType(typ)
	f.Status = domain.FailedPaymentStatus(status)
	f.LastAttemptAt = parseTime(last)
	f.CreatedAt = parseTime(created)
	f.ResolvedAt = timePtr(resolved)
	return &f, nil
}
