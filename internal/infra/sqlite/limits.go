package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/satsjar/satsjar/internal/domain"
)

// ─── Spending Limit Operations ──────────────────────────────────────────────

// GetSpendingLimit returns an account's cap overrides. ok is false when the
// account uses the configured defaults.
func (db *DB) GetSpendingLimit(ctx context.Context, accountID string) (daily, perTx int64, ok bool, err error) {
	err = db.db.QueryRowContext(ctx, `
		SELECT daily_cap, per_tx_cap FROM spending_limits WHERE account_id = ?
	`, accountID).Scan(&daily, &perTx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return daily, perTx, true, nil
}

// UpsertSpendingLimit stores cap overrides for an account.
func (db *DB) UpsertSpendingLimit(ctx context.Context, accountID string, daily, perTx int64, at time.Time) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO spending_limits (account_id, daily_cap, per_tx_cap, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			daily_cap  = excluded.daily_cap,
			per_tx_cap = excluded.per_tx_cap,
			updated_at = excluded.updated_at
	`, accountID, daily, perTx, fmtTime(at))
	if err != nil {
		return fmt.Errorf("upsert spending limit: %w", err)
	}
	return nil
}

// ─── Counter Store ──────────────────────────────────────────────────────────

// CounterStore keeps limiter windows in the database so several processes
// sharing one file enforce the same caps. Each Update runs inside
// BEGIN IMMEDIATE, which takes the write lock before the read.
type CounterStore struct {
	db *DB
}

// NewCounterStore returns a limiter store backed by db.
func NewCounterStore(db *DB) *CounterStore {
	return &CounterStore{db: db}
}

// Get returns the live window for key, or a zero window if none is live.
func (s *CounterStore) Get(ctx context.Context, key string, now time.Time) (domain.LimitWindow, error) {
	w, found, err := loadWindow(ctx, s.db.db, key)
	if err != nil {
		return domain.LimitWindow{}, err
	}
	if !found || w.Expired(now) {
		return domain.LimitWindow{}, nil
	}
	return w, nil
}

// Update loads the window for key (a fresh one starting at now when absent or
// expired), applies fn and persists the result. If fn returns an error
// nothing is written.
func (s *CounterStore) Update(ctx context.Context, key string, now time.Time, ttl time.Duration, fn func(*domain.LimitWindow) error) (domain.LimitWindow, error) {
	conn, err := s.db.db.Conn(ctx)
	if err != nil {
		return domain.LimitWindow{}, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return domain.LimitWindow{}, fmt.Errorf("begin immediate: %w", err)
	}
	rollback := func() { _, _ = conn.ExecContext(context.Background(), `ROLLBACK`) }

	w, found, err := loadWindow(ctx, conn, key)
	if err != nil {
		rollback()
		return domain.LimitWindow{}, err
	}
	if !found || w.Expired(now) {
		w = domain.LimitWindow{StartedAt: now, ExpiresAt: now.Add(ttl)}
	}
	if err := fn(&w); err != nil {
		rollback()
		return w, err
	}
	if _, err := conn.ExecContext(ctx, `
		INSERT INTO limiter_windows (key, count, total, started_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			count      = excluded.count,
			total      = excluded.total,
			started_at = excluded.started_at,
			expires_at = excluded.expires_at
	`, key, w.Count, w.Total, fmtTime(w.StartedAt), fmtTime(w.ExpiresAt)); err != nil {
		rollback()
		return w, fmt.Errorf("save window: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		rollback()
		return w, fmt.Errorf("commit: %w", err)
	}
	return w, nil
}

func loadWindow(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, key string) (domain.LimitWindow, bool, error) {
	var w domain.LimitWindow
	var started, expires string
	err := q.QueryRowContext(ctx, `
		SELECT count, total, started_at, expires_at FROM limiter_windows WHERE key = ?
	`, key).Scan(&w.Count, &w.Total, &started, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LimitWindow{}, false, nil
	}
	if err != nil {
		return domain.LimitWindow{}, false, err
	}
	w.StartedAt = parseTime(started)
	w.ExpiresAt = parseTime(expires)
	return w, true, nil
}
