package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/satsjar/satsjar/internal/domain"
)

// ─── Account Operations ─────────────────────────────────────────────────────

const accountColumns = `id, family_id, role, name, pin_hash, balance, active_backend, payout_address, created_at`

// CreateAccount inserts a new account. Balances start at zero; funds arrive
// through ledger entries so reconciliation always holds.
func (db *DB) CreateAccount(ctx context.Context, a *domain.Account) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.FamilyID, string(a.Role), a.Name, a.PINHash, 0,
		string(a.ActiveBackend), a.PayoutAddress, fmtTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// GetAccount loads an account together with its sealed wallets.
func (db *DB) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	row := db.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err != nil {
		return nil, notFound(err, "account "+id)
	}
	wallets, err := db.ListWallets(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, w := range wallets {
		a.Wallets[w.Kind] = w
	}
	return a, nil
}

// ListFamily returns every account in a family, guardians first.
func (db *DB) ListFamily(ctx context.Context, familyID string) ([]domain.Account, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE family_id = ?
		ORDER BY role = 'dependent', created_at, id
	`, familyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// FamilyGuardian returns the oldest guardian of a family.
func (db *DB) FamilyGuardian(ctx context.Context, familyID string) (*domain.Account, error) {
	var id string
	err := db.db.QueryRowContext(ctx, `
		SELECT id FROM accounts
		WHERE family_id = ? AND role = 'guardian'
		ORDER BY created_at, id LIMIT 1
	`, familyID).Scan(&id)
	if err != nil {
		return nil, notFound(err, "guardian of family "+familyID)
	}
	return db.GetAccount(ctx, id)
}

// Balance reads the stored balance only.
func (db *DB) Balance(ctx context.Context, accountID string) (int64, error) {
	var bal int64
	err := db.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, accountID).Scan(&bal)
	if err != nil {
		return 0, notFound(err, "account "+accountID)
	}
	return bal, nil
}

// SetActiveBackend records which configured backend pays outbound.
func (db *DB) SetActiveBackend(ctx context.Context, accountID string, kind domain.BackendKind) error {
	return db.execOne(ctx, "account "+accountID,
		`UPDATE accounts SET active_backend = ? WHERE id = ?`, string(kind), accountID)
}

// SetPayoutAddress stores (or clears) the lightning address payouts go to.
func (db *DB) SetPayoutAddress(ctx context.Context, accountID, address string) error {
	return db.execOne(ctx, "account "+accountID,
		`UPDATE accounts SET payout_address = ? WHERE id = ?`, address, accountID)
}

// ─── Wallet Operations ──────────────────────────────────────────────────────

// WalletRecord is a sealed wallet together with its owner.
type WalletRecord struct {
	AccountID string
	domain.SealedWallet
}

// UpsertWallet stores sealed credentials for one backend kind.
func (db *DB) UpsertWallet(ctx context.Context, accountID string, w domain.SealedWallet) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO wallets (account_id, kind, secret, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, kind) DO UPDATE SET
			secret     = excluded.secret,
			updated_at = excluded.updated_at
	`, accountID, string(w.Kind), w.Secret, fmtTime(w.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert wallet: %w", err)
	}
	return nil
}

// DeleteWallet removes one backend's credentials. If it was the active
// backend the active tag is cleared in the same transaction.
func (db *DB) DeleteWallet(ctx context.Context, accountID string, kind domain.BackendKind) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM wallets WHERE account_id = ? AND kind = ?`, accountID, string(kind))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%s wallet of %s: %w", kind, accountID, domain.ErrNotFound)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE accounts SET active_backend = '' WHERE id = ? AND active_backend = ?
		`, accountID, string(kind))
		return err
	})
}

// ListWallets returns an account's sealed wallets.
func (db *DB) ListWallets(ctx context.Context, accountID string) ([]domain.SealedWallet, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT kind, secret, updated_at FROM wallets WHERE account_id = ? ORDER BY kind
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SealedWallet
	for rows.Next() {
		var w domain.SealedWallet
		var kind, updated string
		if err := rows.Scan(&kind, &w.Secret, &updated); err != nil {
			return nil, err
		}
		w.Kind = domain.BackendKind(kind)
		w.UpdatedAt = parseTime(updated)
		out = append(out, w)
	}
	return out, rows.Err()
}

// AllWallets returns every stored wallet. Used by credential migration.
func (db *DB) AllWallets(ctx context.Context) ([]WalletRecord, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT account_id, kind, secret, updated_at FROM wallets ORDER BY account_id, kind
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WalletRecord
	for rows.Next() {
		var r WalletRecord
		var kind, updated string
		if err := rows.Scan(&r.AccountID, &kind, &r.Secret, &updated); err != nil {
			return nil, err
		}
		r.Kind = domain.BackendKind(kind)
		r.UpdatedAt = parseTime(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ─── Scanning ───────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(s rowScanner) (*domain.Account, error) {
	var a domain.Account
	var role, active, created string
	if err := s.Scan(&a.ID, &a.FamilyID, &role, &a.Name, &a.PINHash, &a.Balance,
		&active, &a.PayoutAddress, &created); err != nil {
		return nil, err
	}
	a.Role = domain.Role(role)
	a.ActiveBackend = domain.BackendKind(active)
	a.CreatedAt = parseTime(created)
	a.Wallets = make(map[domain.BackendKind]domain.SealedWallet)
	return &a, nil
}

// execOne runs an UPDATE that must touch exactly one row.
func (db *DB) execOne(ctx context.Context, what, query string, args ...any) error {
	res, err := db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return nil
}

// execCAS runs a conditional UPDATE and reports whether it matched.
func execCAS(ctx context.Context, exec interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, query string, args ...any) (bool, error) {
	res, err := exec.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
