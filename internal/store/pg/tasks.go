package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/orcfabric/fabric/internal/store"
)

type taskRepo struct{ db *sql.DB }

const taskColumns = `id, subject, description, active_form, status, owner, blocked_by, blocks, metadata, time_budget_ms, verify_command, failure_context, retry_count, created_at, updated_at`

func (r *taskRepo) Create(ctx context.Context, t *store.Task) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tasks (id, subject, description, active_form, status, owner, blocked_by, blocks, metadata, time_budget_ms, verify_command, failure_context, retry_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		t.ID, t.Subject, t.Description, t.ActiveForm, string(t.Status), nullable(t.Owner),
		pq.Array(orEmpty(t.BlockedBy)), pq.Array(orEmpty(t.Blocks)), string(meta), t.TimeBudgetMS,
		nullable(t.VerifyCommand), nullable(t.FailureContext), t.RetryCount, t.CreatedAt, t.UpdatedAt)
	return err
}

func orEmpty(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func scanTask(row interface{ Scan(...any) error }) (*store.Task, error) {
	var t store.Task
	var owner, meta, verify, failureCtx sql.NullString
	var status string
	var budget sql.NullInt64
	var blockedBy, blocks pq.StringArray
	if err := row.Scan(&t.ID, &t.Subject, &t.Description, &t.ActiveForm, &status, &owner,
		&blockedBy, &blocks, &meta, &budget, &verify, &failureCtx, &t.RetryCount, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = store.TaskStatus(status)
	t.Owner = owner.String
	t.BlockedBy = []string(blockedBy)
	t.Blocks = []string(blocks)
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

func (r *taskRepo) Get(ctx context.Context, id string) (*store.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
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
	tag, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET subject=$1, description=$2, active_form=$3, status=$4, owner=$5, blocked_by=$6, blocks=$7, metadata=$8, time_budget_ms=$9, verify_command=$10, failure_context=$11, retry_count=$12, updated_at=$13
		WHERE id=$14`,
		t.Subject, t.Description, t.ActiveForm, string(t.Status), nullable(t.Owner),
		pq.Array(orEmpty(t.BlockedBy)), pq.Array(orEmpty(t.Blocks)), string(meta), t.TimeBudgetMS,
		nullable(t.VerifyCommand), nullable(t.FailureContext), t.RetryCount, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	return checkAffected(tag, t.ID)
}

func (r *taskRepo) List(ctx context.Context, f store.TaskFilter) ([]*store.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status != 'deleted'`
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if f.Owner != "" {
		args = append(args, f.Owner)
		query += fmt.Sprintf(` AND owner = $%d`, len(args))
	}
	if f.NotBlocked {
		query += ` AND cardinality(blocked_by) = 0`
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
	_, err := r.db.ExecContext(ctx, `UPDATE tasks SET status='deleted', updated_at=$1 WHERE id=$2`, nowMS(), id)
	return err
}

// AddDependency/RemoveDependency maintain the blockedBy/blocks symmetry in
// one transaction, grounded on the teacher's CompleteTask's
// array_remove-based unblock propagation (internal/store/pg/teams_tasks.go).
func (r *taskRepo) AddDependency(ctx context.Context, id, blockerID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET blocked_by = array_append(blocked_by, $1) WHERE id = $2 AND NOT ($1 = ANY(blocked_by))`, blockerID, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET blocks = array_append(blocks, $1) WHERE id = $2 AND NOT ($1 = ANY(blocks))`, id, blockerID); err != nil {
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
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET blocked_by = array_remove(blocked_by, $1) WHERE id = $2`, blockerID, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET blocks = array_remove(blocks, $1) WHERE id = $2`, id, blockerID); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *taskRepo) ClearOwner(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE tasks SET owner = NULL, updated_at=$1 WHERE id=$2`, nowMS(), id)
	return err
}

func (r *taskRepo) GetBlocked(ctx context.Context) ([]*store.Task, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status != 'deleted' AND cardinality(blocked_by) > 0`)
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

func nowMS() int64 {
	return time.Now().UnixMilli()
}
