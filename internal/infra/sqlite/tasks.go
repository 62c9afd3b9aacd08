package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/satsjar/satsjar/internal/domain"
)

// ─── Task Operations ────────────────────────────────────────────────────────
// Every status change is a conditional UPDATE. A false result means another
// request moved the task first; callers reload and report a conflict.

const taskColumns = `id, family_id, creator_id, title, description, sats, status, assignee_id,
	proof_ref, escrow_locked, payment_ref, bypass_unlock, obligation_id, archived,
	created_at, updated_at, approved_at`

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	FamilyID        string
	AssigneeID      string
	Status          domain.TaskStatus
	IncludeArchived bool
	Limit           int
}

// InsertTask stores a new task.
func (db *DB) InsertTask(ctx context.Context, t *domain.Task) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.FamilyID, t.CreatorID, t.Title, t.Description, t.Sats, string(t.Status),
		t.AssigneeID, t.ProofRef, boolInt(t.EscrowLocked), t.PaymentRef, boolInt(t.BypassUnlock),
		t.ObligationID, boolInt(t.Archived), fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
		nullTime(t.ApprovedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask loads one task.
func (db *DB) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := db.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, notFound(err, "task "+id)
	}
	return t, nil
}

// ListTasks returns tasks matching f, newest first.
func (db *DB) ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	var where []string
	var args []any
	if f.FamilyID != "" {
		where = append(where, "family_id = ?")
		args = append(args, f.FamilyID)
	}
	if f.AssigneeID != "" {
		where = append(where, "assignee_id = ?")
		args = append(args, f.AssigneeID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.IncludeArchived {
		where = append(where, "archived = 0")
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateTaskDetails rewrites the editable fields while the task is still
// open or assigned.
func (db *DB) UpdateTaskDetails(ctx context.Context, t *domain.Task) (bool, error) {
	return execCAS(ctx, db.db, `
		UPDATE tasks SET title = ?, description = ?, sats = ?, bypass_unlock = ?, updated_at = ?
		WHERE id = ? AND status IN ('open','assigned')
	`, t.Title, t.Description, t.Sats, boolInt(t.BypassUnlock), fmtTime(t.UpdatedAt), t.ID)
}

// AssignTask moves open → assigned.
func (db *DB) AssignTask(ctx context.Context, id, assigneeID string, at time.Time) (bool, error) {
	return execCAS(ctx, db.db, `
		UPDATE tasks SET status = 'assigned', assignee_id = ?, updated_at = ?
		WHERE id = ? AND status = 'open'
	`, assigneeID, fmtTime(at), id)
}

// SubmitTask moves assigned → submitted for the assignee only.
func (db *DB) SubmitTask(ctx context.Context, id, assigneeID, proofRef string, at time.Time) (bool, error) {
	return execCAS(ctx, db.db, `
		UPDATE tasks SET status = 'submitted', proof_ref = ?, updated_at = ?
		WHERE id = ? AND status = 'assigned' AND assignee_id = ?
	`, proofRef, fmtTime(at), id, assigneeID)
}

// ApproveTask is the approval compare-and-set. It only matches a task that
// is assigned or submitted and carries no payment reference, so exactly one
// concurrent caller wins.
func (db *DB) ApproveTask(ctx context.Context, id string, at time.Time) (bool, error) {
	stamp := fmtTime(at)
	return execCAS(ctx, db.db, `
		UPDATE tasks SET status = 'approved', approved_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('assigned','submitted') AND payment_ref = ''
	`, stamp, stamp, id)
}

// SetTaskPaymentRef records the settled payment for an approved task.
// It never overwrites an existing reference.
func (db *DB) SetTaskPaymentRef(ctx context.Context, id, ref string) (bool, error) {
	return execCAS(ctx, db.db, `
		UPDATE tasks SET payment_ref = ? WHERE id = ? AND payment_ref = ''
	`, ref, id)
}

// DeleteTask removes a task that has not been submitted yet.
func (db *DB) DeleteTask(ctx context.Context, id string) (bool, error) {
	return execCAS(ctx, db.db, `DELETE FROM tasks WHERE id = ? AND status IN ('open','assigned')`, id)
}

// ArchiveTask hides an approved task. Its ledger rows are untouched.
func (db *DB) ArchiveTask(ctx context.Context, id string, at time.Time) (bool, error) {
	return execCAS(ctx, db.db, `
		UPDATE tasks SET archived = 1, updated_at = ? WHERE id = ? AND status = 'approved'
	`, fmtTime(at), id)
}

// CountApprovedTasks counts a dependent's approved tasks, either paid
// (sats > 0) or family (zero-sat) ones.
func (db *DB) CountApprovedTasks(ctx context.Context, assigneeID string, paid bool) (int, error) {
	cond := "sats = 0"
	if paid {
		cond = "sats > 0"
	}
	var n int
	err := db.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE assignee_id = ? AND status = 'approved' AND `+cond,
		assigneeID).Scan(&n)
	return n, err
}

func scanTask(s rowScanner) (*domain.Task, error) {
	var t domain.Task
	var status, created, updated string
	var locked, bypass, archived int
	var approved sql.NullString
	if err := s.Scan(&t.ID, &t.FamilyID, &t.CreatorID, &t.Title, &t.Description, &t.Sats,
		&status, &t.AssigneeID, &t.ProofRef, &locked, &t.PaymentRef, &bypass,
		&t.ObligationID, &archived, &created, &updated, &approved); err != nil {
		return nil, err
	}
	t.Status = domain.TaskStatus(status)
	t.EscrowLocked = locked == 1
	t.BypassUnlock = bypass == 1
	t.Archived = archived == 1
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	t.ApprovedAt = timePtr(approved)
	return &t, nil
}
