package pg

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/orcfabric/fabric/internal/store"
)

type sessionRepo struct{ db *sql.DB }

func (r *sessionRepo) Create(ctx context.Context, s *store.Session) error {
	flags, err := json.Marshal(s.Flags)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, last_activity, compaction_count, total_tokens, queue_mode, channel_id, current_task_id, thinking_level, flags)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		s.ID, s.CreatedAt, s.LastActivity, s.CompactionCount, s.TotalTokensUsed, string(s.QueueMode),
		nullable(s.ChannelID), nullable(s.CurrentTaskID), nullable(s.ThinkingLevel), string(flags))
	return err
}

func scanSession(row interface{ Scan(...any) error }) (*store.Session, error) {
	var s store.Session
	var channelID, taskID, thinking, flags sql.NullString
	var queueMode string
	if err := row.Scan(&s.ID, &s.CreatedAt, &s.LastActivity, &s.CompactionCount, &s.TotalTokensUsed,
		&queueMode, &channelID, &taskID, &thinking, &flags); err != nil {
		return nil, err
	}
	s.QueueMode = store.QueueMode(queueMode)
	s.ChannelID = channelID.String
	s.CurrentTaskID = taskID.String
	s.ThinkingLevel = thinking.String
	if flags.Valid && flags.String != "" {
		_ = json.Unmarshal([]byte(flags.String), &s.Flags)
	}
	return &s, nil
}

const sessionColumns = `id, created_at, last_activity, compaction_count, total_tokens, queue_mode, channel_id, current_task_id, thinking_level, flags`

func (r *sessionRepo) Get(ctx context.Context, id string) (*store.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

func (r *sessionRepo) Update(ctx context.Context, s *store.Session) error {
	flags, err := json.Marshal(s.Flags)
	if err != nil {
		return err
	}
	tag, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET last_activity=$1, compaction_count=$2, total_tokens=$3, queue_mode=$4, channel_id=$5, current_task_id=$6, thinking_level=$7, flags=$8
		WHERE id=$9`,
		s.LastActivity, s.CompactionCount, s.TotalTokensUsed, string(s.QueueMode),
		nullable(s.ChannelID), nullable(s.CurrentTaskID), nullable(s.ThinkingLevel), string(flags), s.ID)
	if err != nil {
		return err
	}
	return checkAffected(tag, s.ID)
}

func (r *sessionRepo) List(ctx context.Context, f store.SessionFilter) ([]*store.Session, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY last_activity DESC LIMIT $1 OFFSET $2`, limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *sessionRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

func (r *sessionRepo) GetActive(ctx context.Context) (*store.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY last_activity DESC LIMIT 1`)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
