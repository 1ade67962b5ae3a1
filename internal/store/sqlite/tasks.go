package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/orcfabric/fabric/internal/store"
)

type taskRepo struct{ db *sql.DB }

func marshalIDs(ids []string) string {
	if ids == nil {
		ids = []string{}
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

func unmarshalIDs(s string) []string {
	var ids []string
	if s == "" {
		return []string{}
	}
	_ = json.Unmarshal([]byte(s), &ids)
	if ids == nil {
		ids = []string{}
	}
	return ids
}

func (r *taskRepo) Create(ctx context.Context, t *store.Task) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tasks (id, subject, description, active_form, status, owner, blocked_by, blocks, metadata, time_budget_ms, verify_command, failure_context, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Subject, t.Description, t.ActiveForm, string(t.Status), nullable(t.Owner),
		marshalIDs(t.BlockedBy), marshalIDs(t.Blocks), string(meta), t.TimeBudgetMS,
		nullable(t.VerifyCommand), nullable(t.FailureContext), t.RetryCount, t.CreatedAt, t.UpdatedAt)
	return err
}

func scanTask(row interface{ Scan(...any) error }) (*store.Task, error) {
	var t store.Task
	var owner, blockedBy, blocks, meta, verify, failureCtx sql.NullString
	var status string
	var budget sql.NullInt64
	if err := row.Scan(&t.ID, &t.Subject, &t.Description, &t.ActiveForm, &status, &owner,
		&blockedBy, &blocks, &meta, &budget, &verify, &failureCtx, &t.RetryCount, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = store.TaskStatus(status)
	t.Owner = owner.String
	t.BlockedBy = unmarshalIDs(blockedBy.String)
	t.Blocks = unmarshalIDs(blocks.String)
	t.VerifyCommand = verify.String
	t.FailureContext = failureCtx.String
	if budget.Valid {
		v := budget.Int64
		t.TimeBudgetMS = &v
	}
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &t.Metadata)
	}
	return &t, nil
}

const taskColumns = `id, subject, description, active_form, status, owner, blocked_by, blocks, metadata, time_budget_ms, verify_command, failure_context, retry_count, created_at, updated_at`

func (r *taskRepo) Get(ctx context.Context, id string) (*store.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (r *taskRepo) Update(ctx context.Context, t *store.Task) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET subject=?, description=?, active_form=?, status=?, owner=?, blocked_by=?, blocks=?, metadata=?, time_budget_ms=?, verify_command=?, failure_context=?, retry_count=?, updated_at=?
		WHERE id=?`,
		t.Subject, t.Description, t.ActiveForm, string(t.Status), nullable(t.Owner),
		marshalIDs(t.BlockedBy), marshalIDs(t.Blocks), string(meta), t.TimeBudgetMS,
		nullable(t.VerifyCommand), nullable(t.FailureContext), t.RetryCount, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("sqlite: update task %s: %w", t.ID, store.ErrNotFound)
	}
	return nil
}

func (r *taskRepo) List(ctx context.Context, f store.TaskFilter) ([]*store.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status != 'deleted'`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Owner != "" {
		query += ` AND owner = ?`
		args = append(args, f.Owner)
	}
	if f.NotBlocked {
		query += ` AND blocked_by = '[]'`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *taskRepo) SoftDelete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE tasks SET status='deleted', updated_at=? WHERE id=?`, nowMS(), id)
	return err
}

func (r *taskRepo) AddDependency(ctx context.Context, id, blockerID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := addToSet(ctx, tx, "tasks", "blocked_by", id, blockerID); err != nil {
		return err
	}
	if err := addToSet(ctx, tx, "tasks", "blocks", blockerID, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *taskRepo) RemoveDependency(ctx context.Context, id, blockerID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := removeFromSet(ctx, tx, "tasks", "blocked_by", id, blockerID); err != nil {
		return err
	}
	if err := removeFromSet(ctx, tx, "tasks", "blocks", blockerID, id); err != nil {
		return err
	}
	return tx.Commit()
}

func addToSet(ctx context.Context, tx *sql.Tx, table, column, rowID, value string) error {
	var raw string
	if err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, column, table), rowID).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	}
	ids := unmarshalIDs(raw)
	for _, existing := range ids {
		if existing == value {
			return nil
		}
	}
	ids = append(ids, value)
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s = ? WHERE id = ?`, table, column), marshalIDs(ids), rowID)
	return err
}

func removeFromSet(ctx context.Context, tx *sql.Tx, table, column, rowID, value string) error {
	var raw string
	if err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, column, table), rowID).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	}
	ids := unmarshalIDs(raw)
	out := ids[:0]
	for _, existing := range ids {
		if existing != value {
			out = append(out, existing)
		}
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s = ? WHERE id = ?`, table, column), marshalIDs(out), rowID)
	return err
}

func (r *taskRepo) ClearOwner(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE tasks SET owner = NULL, updated_at=? WHERE id=?`, nowMS(), id)
	return err
}

func (r *taskRepo) GetBlocked(ctx context.Context) ([]*store.Task, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status != 'deleted' AND blocked_by != '[]'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
