package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/satsjar/satsjar/internal/domain"
)

// ─── Recurring Obligation Operations ────────────────────────────────────────

// DateLayout is how last_created_date is stored: a calendar date in the
// scheduler's timezone, without a clock component.
const DateLayout = "2006-01-02"

const obligationColumns = `id, family_id, creator_id, title, description, sats, frequency,
	day_of_week, day_of_month, time_of_day, assignee_id, last_created_date, active, created_at`

// InsertObligation stores a recurring obligation.
func (db *DB) InsertObligation(ctx context.Context, o *domain.RecurringObligation) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO recurring_obligations (`+obligationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.FamilyID, o.CreatorID, o.Title, o.Description, o.Sats, string(o.Frequency),
		o.DayOfWeek, o.DayOfMonth, o.TimeOfDay, o.AssigneeID, nullDate(o.LastCreatedDate),
		boolInt(o.Active), fmtTime(o.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert obligation: %w", err)
	}
	return nil
}

// GetObligation loads one obligation.
func (db *DB) GetObligation(ctx context.Context, id string) (*domain.RecurringObligation, error) {
	row := db.db.QueryRowContext(ctx, `SELECT `+obligationColumns+` FROM recurring_obligations WHERE id = ?`, id)
	o, err := scanObligation(row)
	if err != nil {
		return nil, notFound(err, "recurring obligation "+id)
	}
	return o, nil
}

// ListObligations returns a family's obligations. An empty familyID with
// activeOnly lists every active obligation, which is what the scheduler scans.
func (db *DB) ListObligations(ctx context.Context, familyID string, activeOnly bool) ([]domain.RecurringObligation, error) {
	q := `SELECT ` + obligationColumns + ` FROM recurring_obligations WHERE 1 = 1`
	var args []any
	if familyID != "" {
		q += ` AND family_id = ?`
		args = append(args, familyID)
	}
	if activeOnly {
		q += ` AND active = 1`
	}
	q += ` ORDER BY created_at, id`

	rows, err := db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RecurringObligation
	for rows.Next() {
		o, err := scanObligation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// DeactivateObligation stops an obligation from spawning tasks.
func (db *DB) DeactivateObligation(ctx context.Context, id string) error {
	return db.execOne(ctx, "recurring obligation "+id,
		`UPDATE recurring_obligations SET active = 0 WHERE id = ?`, id)
}

// StampObligation is the scheduler's compare-and-set: it records date as the
// last creation day only if the stored value still equals prev. A false
// result means another tick already fired the obligation.
func (db *DB) StampObligation(ctx context.Context, id string, prev *time.Time, date time.Time) (bool, error) {
	return execCAS(ctx, db.db, `
		UPDATE recurring_obligations SET last_created_date = ?
		WHERE id = ? AND last_created_date IS ?
	`, date.Format(DateLayout), id, nullDate(prev))
}

func nullDate(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(DateLayout), Valid: true}
}

func scanObligation(s rowScanner) (*domain.RecurringObligation, error) {
	var o domain.RecurringObligation
	var freq, created string
	var last sql.NullString
	var active int
	if err := s.Scan(&o.ID, &o.FamilyID, &o.CreatorID, &o.Title, &o.Description, &o.Sats,
		&freq, &o.DayOfWeek, &o.DayOfMonth, &o.TimeOfDay, &o.AssigneeID, &last,
		&active, &created); err != nil {
		return nil, err
	}
	o.Frequency = domain.Frequency(freq)
	o.Active = active == 1
	o.CreatedAt = parseTime(created)
	if last.Valid && last.String != "" {
		if d, err := time.Parse(DateLayout, last.String); err == nil {
			o.LastCreatedDate = &d
		}
	}
	return &o, nil
}
