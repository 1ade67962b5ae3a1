package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.CreatedAt, s.LastActivity, s.CompactionCount, s.TotalTokensUsed, string(s.QueueMode),
		nullable(s.ChannelID), nullable(s.CurrentTaskID), nullable(s.ThinkingLevel), string(flags))
	return err
}

func (r *sessionRepo) scanRow(row interface{ Scan(...any) error }) (*store.Session, error) {
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

func (r *sessionRepo) Get(ctx context.Context, id string) (*store.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, created_at, last_activity, compaction_count, total_tokens, queue_mode, channel_id, current_task_id, thinking_level, flags FROM sessions WHERE id = ?`, id)
	s, err := r.scanRow(row)
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
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET last_activity=?, compaction_count=?, total_tokens=?, queue_mode=?, channel_id=?, current_task_id=?, thinking_level=?, flags=?
		WHERE id=?`,
		s.LastActivity, s.CompactionCount, s.TotalTokensUsed, string(s.QueueMode),
		nullable(s.ChannelID), nullable(s.CurrentTaskID), nullable(s.ThinkingLevel), string(flags), s.ID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("sqlite: update session %s: %w", s.ID, store.ErrNotFound)
	}
	return nil
}

func (r *sessionRepo) List(ctx context.Context, f store.SessionFilter) ([]*store.Session, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, created_at, last_activity, compaction_count, total_tokens, queue_mode, channel_id, current_task_id, thinking_level, flags
		FROM sessions ORDER BY last_activity DESC LIMIT ? OFFSET ?`, limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Session
	for rows.Next() {
		s, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *sessionRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func (r *sessionRepo) GetActive(ctx context.Context) (*store.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, created_at, last_activity, compaction_count, total_tokens, queue_mode, channel_id, current_task_id, thinking_level, flags
		FROM sessions ORDER BY last_activity DESC LIMIT 1`)
	s, err := r.scanRow(row)
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
