package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/orcfabric/fabric/internal/store"
)

type approvalRepo struct{ db *sql.DB }

const approvalColumns = `id, command, context, created_at_ms, expires_at_ms, decision, decided_at_ms, decider_id`

func (r *approvalRepo) Create(ctx context.Context, a *store.ApprovalRequest) error {
	ctxJSON, err := json.Marshal(a.Context)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO approvals (id, command, context, created_at_ms, expires_at_ms, decision, decided_at_ms, decider_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Command, string(ctxJSON), a.CreatedAtMS, a.ExpiresAtMS, string(a.Decision), a.DecidedAtMS, nullable(a.DeciderID))
	return err
}

func scanApproval(row interface{ Scan(...any) error }) (*store.ApprovalRequest, error) {
	var a store.ApprovalRequest
	var ctxJSON, decider sql.NullString
	var decision string
	var decidedAt sql.NullInt64
	if err := row.Scan(&a.ID, &a.Command, &ctxJSON, &a.CreatedAtMS, &a.ExpiresAtMS, &decision, &decidedAt, &decider); err != nil {
		return nil, err
	}
	a.Decision = store.ApprovalDecision(decision)
	a.DeciderID = decider.String
	if decidedAt.Valid {
		v := decidedAt.Int64
		a.DecidedAtMS = &v
	}
	if ctxJSON.Valid && ctxJSON.String != "" && ctxJSON.String != "null" {
		_ = json.Unmarshal([]byte(ctxJSON.String), &a.Context)
	}
	return &a, nil
}

func (r *approvalRepo) Get(ctx context.Context, id string) (*store.ApprovalRequest, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (r *approvalRepo) Update(ctx context.Context, a *store.ApprovalRequest) error {
	res, err := r.db.ExecContext(ctx, `UPDATE approvals SET decision=?, decided_at_ms=?, decider_id=? WHERE id=?`,
		string(a.Decision), a.DecidedAtMS, nullable(a.DeciderID), a.ID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("sqlite: update approval %s: %w", a.ID, store.ErrNotFound)
	}
	return nil
}

func (r *approvalRepo) GetPending(ctx context.Context) ([]*store.ApprovalRequest, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE decision = '' ORDER BY created_at_ms ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *approvalRepo) GetExpired(ctx context.Context, nowMS int64) ([]*store.ApprovalRequest, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE decision = '' AND expires_at_ms < ? ORDER BY created_at_ms ASC`, nowMS)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
