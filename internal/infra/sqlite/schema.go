package sqlite

// ─── Schema ─────────────────────────────────────────────────────────────────

// Migrations returns the schema statements, applied in order at Open.
// Each string is a single SQL statement (SQLite executes one at a time).
func Migrations() []string {
	return []string{
		// Family accounts
		`CREATE TABLE IF NOT EXISTS accounts (
			id             TEXT PRIMARY KEY,
			family_id      TEXT NOT NULL,
			role           TEXT NOT NULL CHECK(role IN ('guardian','dependent')),
			name           TEXT NOT NULL,
			pin_hash       TEXT NOT NULL DEFAULT '',
			balance        INTEGER NOT NULL DEFAULT 0 CHECK(balance >= 0),
			active_backend TEXT NOT NULL DEFAULT '',
			payout_address TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_family ON accounts(family_id)`,

		// Sealed wallet credentials, at most one row per backend kind
		`CREATE TABLE IF NOT EXISTS wallets (
			account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			kind       TEXT NOT NULL CHECK(kind IN ('invoice_api','relay')),
			secret     TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (account_id, kind)
		)`,

		// Tasks (escrow state machine)
		`CREATE TABLE IF NOT EXISTS tasks (
			id            TEXT PRIMARY KEY,
			family_id     TEXT NOT NULL,
			creator_id    TEXT NOT NULL,
			title         TEXT NOT NULL,
			description   TEXT NOT NULL DEFAULT '',
			sats          INTEGER NOT NULL CHECK(sats >= 0),
			status        TEXT NOT NULL DEFAULT 'open'
			              CHECK(status IN ('open','assigned','submitted','approved')),
			assignee_id   TEXT NOT NULL DEFAULT '',
			proof_ref     TEXT NOT NULL DEFAULT '',
			escrow_locked INTEGER NOT NULL DEFAULT 0,
			payment_ref   TEXT NOT NULL DEFAULT '',
			bypass_unlock INTEGER NOT NULL DEFAULT 0,
			obligation_id TEXT NOT NULL DEFAULT '',
			archived      INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,
			approved_at   TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_family ON tasks(family_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee_id, status)`,

		// Append-only ledger
		`CREATE TABLE IF NOT EXISTS transactions (
			id           TEXT PRIMARY KEY,
			from_account TEXT,
			to_account   TEXT,
			sats         INTEGER NOT NULL CHECK(sats >= 0),
			task_id      TEXT,
			type         TEXT NOT NULL,
			status       TEXT NOT NULL CHECK(status IN ('pending','completed','internal','failed')),
			payment_ref  TEXT NOT NULL DEFAULT '',
			memo         TEXT NOT NULL DEFAULT '',
			applied      INTEGER NOT NULL DEFAULT 0,
			direction    TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tx_from ON transactions(from_account, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tx_to ON transactions(to_account, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tx_task ON transactions(task_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tx_milestone ON transactions(to_account, memo)
			WHERE type = 'bonus' AND memo LIKE 'milestone:%'`,

		// Failed-payment recovery queue
		`CREATE TABLE IF NOT EXISTS failed_payments (
			id                TEXT PRIMARY KEY,
			family_id         TEXT NOT NULL,
			from_account      TEXT NOT NULL,
			to_account        TEXT NOT NULL DEFAULT '',
			recipient_name    TEXT NOT NULL DEFAULT '',
			recipient_address TEXT NOT NULL DEFAULT '',
			sats              INTEGER NOT NULL,
			payment_type      TEXT NOT NULL,
			task_id           TEXT NOT NULL DEFAULT '',
			transaction_id    TEXT NOT NULL DEFAULT '',
			error             TEXT NOT NULL,
			status            TEXT NOT NULL DEFAULT 'pending'
			                  CHECK(status IN ('pending','retried','resolved','cancelled')),
			retry_count       INTEGER NOT NULL DEFAULT 0,
			last_attempt_at   TEXT NOT NULL,
			created_at        TEXT NOT NULL,
			resolved_at       TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_failed_family ON failed_payments(family_id, status)`,

		// Recurring obligations
		`CREATE TABLE IF NOT EXISTS recurring_obligations (
			id                TEXT PRIMARY KEY,
			family_id         TEXT NOT NULL,
			creator_id        TEXT NOT NULL,
			title             TEXT NOT NULL,
			description       TEXT NOT NULL DEFAULT '',
			sats              INTEGER NOT NULL DEFAULT 0,
			frequency         TEXT NOT NULL CHECK(frequency IN ('daily','weekly','monthly')),
			day_of_week       INTEGER NOT NULL DEFAULT 0,
			day_of_month      INTEGER NOT NULL DEFAULT 1,
			time_of_day       TEXT NOT NULL DEFAULT '00:00',
			assignee_id       TEXT NOT NULL DEFAULT '',
			last_created_date TEXT,
			active            INTEGER NOT NULL DEFAULT 1,
			created_at        TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recurring_active ON recurring_obligations(active)`,

		// Per-account spending caps (counters live in the limiter store)
		`CREATE TABLE IF NOT EXISTS spending_limits (
			account_id TEXT PRIMARY KEY,
			daily_cap  INTEGER NOT NULL,
			per_tx_cap INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		// Shared limiter windows for multi-process deployments
		`CREATE TABLE IF NOT EXISTS limiter_windows (
			key        TEXT PRIMARY KEY,
			count      INTEGER NOT NULL DEFAULT 0,
			total      INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,

		// Audit trail
		`CREATE TABLE IF NOT EXISTS audit_events (
			id        TEXT PRIMARY KEY,
			time      TEXT NOT NULL,
			actor     TEXT NOT NULL DEFAULT '',
			family_id TEXT NOT NULL DEFAULT '',
			action    TEXT NOT NULL,
			target    TEXT NOT NULL DEFAULT '',
			detail    TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_family ON audit_events(family_id, time)`,

		// Earnings snapshots with fiat valuation
		`CREATE TABLE IF NOT EXISTS earnings_entries (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id  TEXT NOT NULL,
			earned      INTEGER NOT NULL,
			cumulative  INTEGER NOT NULL,
			btc_price   REAL NOT NULL,
			fiat_value  REAL NOT NULL,
			currency    TEXT NOT NULL,
			created_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_earnings_account ON earnings_entries(account_id, id)`,
	}
}
