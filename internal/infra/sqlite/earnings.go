package sqlite

import (
	"context"
	"database/sql"

	"github.com/satsjar/satsjar/internal/domain"
)

// ─── Earnings Operations ────────────────────────────────────────────────────

// AppendEarnings stores an earnings snapshot. Cumulative is computed from the
// previous row inside the same transaction; e.Cumulative is ignored.
func (db *DB) AppendEarnings(ctx context.Context, e domain.EarningsEntry) (domain.EarningsEntry, error) {
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var prev int64
		err := tx.QueryRowContext(ctx, `
			SELECT cumulative FROM earnings_entries WHERE account_id = ? ORDER BY id DESC LIMIT 1
		`, e.AccountID).Scan(&prev)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		e.Cumulative = prev + e.Earned
		e.FiatValue = domain.FiatValue(e.Cumulative, e.BTCPrice)

		res, err := tx.ExecContext(ctx, `
			INSERT INTO earnings_entries (account_id, earned, cumulative, btc_price, fiat_value, currency, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, e.AccountID, e.Earned, e.Cumulative, e.BTCPrice, e.FiatValue, e.Currency, fmtTime(e.CreatedAt))
		if err != nil {
			return err
		}
		e.ID, err = res.LastInsertId()
		return err
	})
	return e, err
}

// ListEarnings returns an account's snapshots, newest first.
func (db *DB) ListEarnings(ctx context.Context, accountID string, limit int) ([]domain.EarningsEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, account_id, earned, cumulative, btc_price, fiat_value, currency, created_at
		FROM earnings_entries WHERE account_id = ?
		ORDER BY id DESC LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.EarningsEntry
	for rows.Next() {
		var e domain.EarningsEntry
		var created string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Earned, &e.Cumulative, &e.BTCPrice,
			&e.FiatValue, &e.Currency, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}
