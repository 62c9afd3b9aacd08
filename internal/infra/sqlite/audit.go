package sqlite

import (
	"context"
	"fmt"

	"github.com/satsjar/satsjar/internal/domain"
)

// ─── Audit Operations ───────────────────────────────────────────────────────

// InsertAuditEvent persists one audit event.
func (db *DB) InsertAuditEvent(ctx context.Context, e domain.AuditEvent) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, time, actor, family_id, action, target, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, fmtTime(e.Time), e.Actor, e.FamilyID, e.Action, e.Target, e.Detail)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns a family's newest events.
func (db *DB) ListAuditEvents(ctx context.Context, familyID string, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, time, actor, family_id, action, target, detail
		FROM audit_events WHERE family_id = ?
		ORDER BY time DESC, rowid DESC LIMIT ?
	`, familyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Actor, &e.FamilyID, &e.Action, &e.Target, &e.Detail); err != nil {
			return nil, err
		}
		e.Time = parseTime(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
