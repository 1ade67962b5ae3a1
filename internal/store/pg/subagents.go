package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/orcfabric/fabric/internal/store"
)

type subagentRepo struct{ db *sql.DB }

const subagentColumns = `id, agent_name, parent_id, task_desc, pid, status, spawned_at, completed_at, timeout_ms, result, tokens_used, tool_uses, session_id, depth`

func (r *subagentRepo) Create(ctx context.Context, rec *store.SubagentRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO subagents (id, agent_name, parent_id, task_desc, pid, status, spawned_at, completed_at, timeout_ms, result, tokens_used, tool_uses, session_id, depth)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		rec.ID, rec.AgentName, nullable(rec.ParentID), rec.TaskDesc, rec.PID, string(rec.Status),
		rec.SpawnedAt, rec.CompletedAt, rec.TimeoutMS, nullable(rec.Result), rec.TokensUsed, rec.ToolUses,
		nullable(rec.SessionID), rec.Depth)
	return err
}

func scanSubagent(row interface{ Scan(...any) error }) (*store.SubagentRecord, error) {
	var rec store.SubagentRecord
	var parentID, result, sessionID sql.NullString
	var status string
	var completedAt sql.NullInt64
	if err := row.Scan(&rec.ID, &rec.AgentName, &parentID, &rec.TaskDesc, &rec.PID, &status,
		&rec.SpawnedAt, &completedAt, &rec.TimeoutMS, &result, &rec.TokensUsed, &rec.ToolUses, &sessionID, &rec.Depth); err != nil {
		return nil, err
	}
	rec.ParentID = parentID.String
	rec.Status = store.SubagentStatus(status)
	rec.Result = result.String
	rec.SessionID = sessionID.String
	if completedAt.Valid {
		v := completedAt.Int64
		rec.CompletedAt = &v
	}
	return &rec, nil
}

func (r *subagentRepo) Get(ctx context.Context, id string) (*store.SubagentRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+subagentColumns+` FROM subagents WHERE id = $1`, id)
	rec, err := scanSubagent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (r *subagentRepo) Update(ctx context.Context, rec *store.SubagentRecord) error {
	tag, err := r.db.ExecContext(ctx, `
		UPDATE subagents SET status=$1, completed_at=$2, result=$3, tokens_used=$4, tool_uses=$5, session_id=$6
		WHERE id=$7`,
		string(rec.Status), rec.CompletedAt, nullable(rec.Result), rec.TokensUsed, rec.ToolUses, nullable(rec.SessionID), rec.ID)
	if err != nil {
		return err
	}
	return checkAffected(tag, rec.ID)
}

func (r *subagentRepo) List(ctx context.Context, f store.SubagentFilter) ([]*store.SubagentRecord, error) {
	query := `SELECT ` + subagentColumns + ` FROM subagents WHERE 1=1`
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if f.ParentID != "" {
		args = append(args, f.ParentID)
		query += fmt.Sprintf(` AND parent_id = $%d`, len(args))
	}
	query += ` ORDER BY spawned_at ASC`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.SubagentRecord
	for rows.Next() {
		rec, err := scanSubagent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *subagentRepo) GetRunning(ctx context.Context) ([]*store.SubagentRecord, error) {
	return r.List(ctx, store.SubagentFilter{Status: store.SubagentRunning})
}

func (r *subagentRepo) MarkOrphaned(ctx context.Context, olderThanMS int64) (int, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE subagents SET status='orphaned' WHERE status='running' AND spawned_at < $1`, olderThanMS)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
